// Package model holds the persisted records of the wallet engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryKind string

const (
	EntryDebit   EntryKind = "DEBIT"
	EntryDeposit EntryKind = "DEPOSIT"
)

// Reference types attached to ledger entries.
const (
	RefPayment            = "payment"
	RefTip                = "tip"
	RefBilling            = "stream_billing"
	RefPrivateMessage     = "private_message"
	RefWithdrawal         = "withdrawal"
	RefWithdrawalReversal = "withdrawal_reversal"
)

type Wallet struct {
	UserID    string
	Balance   decimal.Decimal
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is immutable once written. Amount is negative for DEBIT entries.
type LedgerEntry struct {
	ID            string
	UserID        string
	Kind          EntryKind
	Amount        decimal.Decimal
	Currency      string
	BalanceAfter  decimal.Decimal
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      map[string]string
	CreatedAt     time.Time
}

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type Payment struct {
	ID            string
	UserID        string
	Provider      string
	ProviderRef   string
	Status        PaymentStatus
	Amount        decimal.Decimal
	Currency      string
	Credits       decimal.Decimal
	PlanID        string
	CompletedAt   *time.Time
	FailureReason string
	CreatedAt     time.Time
}

type StreamStatus string

const (
	StreamLive    StreamStatus = "LIVE"
	StreamOffline StreamStatus = "OFFLINE"
)

// Stream mirrors the broadcast state owned by the streaming transport.
type Stream struct {
	ID        string
	CreatorID string
	Status    StreamStatus
	UpdatedAt time.Time
}

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

type StreamSession struct {
	ID            string
	StreamID      string
	UserID        string
	Status        SessionStatus
	TotalWatchMs  int64
	SessionToken  string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

type MeterEvent struct {
	ID             string
	SessionID      string
	UserID         string
	IntervalIndex  int64
	PlaybackMs     int64
	CreditsDebited decimal.Decimal
	RequestKey     string
	CreatedAt      time.Time
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "PENDING"
	WithdrawalApproved WithdrawalStatus = "APPROVED"
	WithdrawalRejected WithdrawalStatus = "REJECTED"
	WithdrawalFailed   WithdrawalStatus = "FAILED"
)

type WithdrawalRequest struct {
	ID            string
	UserID        string
	Amount        decimal.Decimal
	Currency      string
	Status        WithdrawalStatus
	ReviewedBy    string
	ReviewedAt    *time.Time
	ReviewNote    string
	PayoutRef     string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Claimed reports whether a reviewer has taken the request while it is still PENDING.
func (w WithdrawalRequest) Claimed() bool {
	return w.Status == WithdrawalPending && w.ReviewedAt != nil
}

type ChatRequestStatus string

const (
	ChatRequestPending  ChatRequestStatus = "PENDING"
	ChatRequestAccepted ChatRequestStatus = "ACCEPTED"
	ChatRequestRejected ChatRequestStatus = "REJECTED"
	ChatRequestExpired  ChatRequestStatus = "EXPIRED"
)

type PrivateChatRequest struct {
	ID         string
	SenderID   string
	ReceiverID string
	StreamID   string
	Status     ChatRequestStatus
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EffectiveStatus folds lazy expiry into the stored status.
func (r PrivateChatRequest) EffectiveStatus(now time.Time) ChatRequestStatus {
	if r.Status == ChatRequestPending && !now.Before(r.ExpiresAt) {
		return ChatRequestExpired
	}
	return r.Status
}

type ChatMessage struct {
	ID         string
	StreamID   string
	SenderID   string
	ReceiverID string
	Body       string
	Private    bool
	Cost       decimal.Decimal
	CreatedAt  time.Time
}
