// Package store persists wallets, the ledger and the records that money movements touch.
//
// Every balance change goes through a Tx obtained from Store.InTx, so a wallet mutation,
// its ledger entries and the domain row that caused them commit or abort together.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a conditional write found the row in a state it may not leave.
	ErrConflict = errors.New("store: conflicting state")
)

type Store interface {
	Reader

	// InTx runs fn as one commit-or-abort unit. Any error returned by fn aborts every
	// write fn made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Reader exposes snapshot reads. Reads outside a Tx must never gate a write.
type Reader interface {
	GetWallet(ctx context.Context, userID string) (model.Wallet, error)
	ListWallets(ctx context.Context) ([]model.Wallet, error)

	ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error)
	SumEntries(ctx context.Context, f EntryFilter) (decimal.Decimal, error)
	// EntrySumsByUser returns the signed entry sum for every user holding entries.
	EntrySumsByUser(ctx context.Context) (map[string]decimal.Decimal, error)

	GetPaymentByRef(ctx context.Context, providerRef string) (model.Payment, error)
	GetStream(ctx context.Context, streamID string) (model.Stream, error)
	GetSession(ctx context.Context, sessionID string) (model.StreamSession, error)
	GetActiveSession(ctx context.Context, streamID, userID string) (model.StreamSession, error)
	ListMeterEvents(ctx context.Context, sessionID string) ([]model.MeterEvent, error)

	GetWithdrawal(ctx context.Context, id string) (model.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]model.WithdrawalRequest, error)

	GetChatRequest(ctx context.Context, id string) (model.PrivateChatRequest, error)
	ListChatRequests(ctx context.Context, userID string) ([]model.PrivateChatRequest, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]model.ChatMessage, error)
}

// Tx is the write surface available inside InTx.
type Tx interface {
	Reader

	GetOrCreateWallet(ctx context.Context, userID, currency string) (model.Wallet, error)
	// Credit adds amount unconditionally and returns the balance produced by that update.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	// DebitIfSufficient subtracts amount only when balance >= amount, in a single
	// conditional statement. ok is false when the condition failed; balance is then
	// the current balance, read for error reporting only.
	DebitIfSufficient(ctx context.Context, userID string, amount decimal.Decimal) (balance decimal.Decimal, ok bool, err error)
	AppendEntry(ctx context.Context, e *model.LedgerEntry) error

	// InsertPayment returns false without writing when providerRef already exists.
	InsertPayment(ctx context.Context, p *model.Payment) (bool, error)
	// SettleFailedPayment turns the FAILED payment with p.ProviderRef into p. It returns
	// false without writing when there is no such FAILED row.
	SettleFailedPayment(ctx context.Context, p *model.Payment) (bool, error)

	UpsertStream(ctx context.Context, s model.Stream) error

	// ActiveSessionForUpdate returns the active session for (stream,user), creating it from
	// fresh when none exists. The row stays locked until the Tx ends.
	ActiveSessionForUpdate(ctx context.Context, fresh model.StreamSession) (model.StreamSession, bool, error)
	AdvanceSession(ctx context.Context, sessionID string, addMs int64, heartbeat time.Time) (model.StreamSession, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) error
	InsertMeterEvent(ctx context.Context, e *model.MeterEvent) error
	GetMeterEventByKey(ctx context.Context, sessionID, requestKey string) (model.MeterEvent, error)

	InsertWithdrawal(ctx context.Context, w *model.WithdrawalRequest) error
	// ClaimWithdrawal marks an unclaimed PENDING request as under review by reviewer.
	ClaimWithdrawal(ctx context.Context, id, reviewer string, at time.Time) (model.WithdrawalRequest, error)
	// ReclaimWithdrawal takes over a PENDING request whose claim was made at or before
	// staleBefore, and returns ErrConflict for any other state.
	ReclaimWithdrawal(ctx context.Context, id, reviewer string, staleBefore, at time.Time) (model.WithdrawalRequest, error)
	// ResolveWithdrawal moves a PENDING request to a terminal status.
	ResolveWithdrawal(ctx context.Context, id string, r WithdrawalResolution) (model.WithdrawalRequest, error)
	DeletePendingWithdrawal(ctx context.Context, id, userID string) error

	// ExpireChatRequests flips PENDING requests of the triple whose expiry passed.
	ExpireChatRequests(ctx context.Context, senderID, receiverID, streamID string, now time.Time) error
	// InsertChatRequest fails with ErrConflict when a PENDING request for the triple exists.
	InsertChatRequest(ctx context.Context, r *model.PrivateChatRequest) error
	TransitionChatRequest(ctx context.Context, id string, from, to model.ChatRequestStatus, at time.Time) (model.PrivateChatRequest, error)
	InsertMessage(ctx context.Context, m *model.ChatMessage) error
}

type EntryFilter struct {
	UserID         string
	Kind           model.EntryKind
	ReferenceTypes []string
	From           time.Time
	To             time.Time
	Limit          int
}

func (f EntryFilter) matches(e model.LedgerEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if len(f.ReferenceTypes) > 0 {
		found := false
		for _, rt := range f.ReferenceTypes {
			if rt == e.ReferenceType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

type WithdrawalFilter struct {
	UserID string
	Status model.WithdrawalStatus
	Limit  int
}

type WithdrawalResolution struct {
	Status        model.WithdrawalStatus
	ReviewedBy    string
	ReviewNote    string
	PayoutRef     string
	FailureReason string
	At            time.Time
}

type MessageFilter struct {
	StreamID string
	// Participant restricts private messages to those sent or received by this user.
	Participant string
	Limit       int
}
