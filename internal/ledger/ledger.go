// Package ledger writes and reads the append-only signed entry log.
//
// Entries are only written through Append, inside the same store.Tx as the wallet update
// whose post-update balance they record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/money"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

var ErrBadEntry = errors.New("ledger: malformed entry")

// Movement describes one side of a balance change. Amount is the unsigned magnitude.
type Movement struct {
	UserID        string
	Amount        decimal.Decimal
	Currency      string
	BalanceAfter  decimal.Decimal
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      map[string]string
}

// Debit builds the negative entry for m.
func Debit(m Movement, at time.Time) model.LedgerEntry {
	return build(model.EntryDebit, m.Amount.Abs().Neg(), m, at)
}

// Deposit builds the positive entry for m.
func Deposit(m Movement, at time.Time) model.LedgerEntry {
	return build(model.EntryDeposit, m.Amount.Abs(), m, at)
}

func build(kind model.EntryKind, signed decimal.Decimal, m Movement, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        m.UserID,
		Kind:          kind,
		Amount:        money.Round(signed),
		Currency:      m.Currency,
		BalanceAfter:  money.Round(m.BalanceAfter),
		ReferenceType: m.ReferenceType,
		ReferenceID:   m.ReferenceID,
		Description:   m.Description,
		Metadata:      m.Metadata,
		CreatedAt:     at.UTC(),
	}
}

// Validate enforces the sign convention and the fields every entry needs.
func Validate(e model.LedgerEntry) error {
	switch {
	case e.UserID == "":
		return fmt.Errorf("%w: user id is empty", ErrBadEntry)
	case e.ReferenceType == "":
		return fmt.Errorf("%w: reference type is empty", ErrBadEntry)
	case e.BalanceAfter.IsNegative():
		return fmt.Errorf("%w: balance after %s is negative", ErrBadEntry, e.BalanceAfter)
	}
	switch e.Kind {
	case model.EntryDebit:
		if !e.Amount.IsNegative() {
			return fmt.Errorf("%w: debit amount %s must be negative", ErrBadEntry, e.Amount)
		}
	case model.EntryDeposit:
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%w: deposit amount %s must be positive", ErrBadEntry, e.Amount)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadEntry, e.Kind)
	}
	return nil
}

// Append validates e and writes it through tx.
func Append(ctx context.Context, tx store.Tx, e model.LedgerEntry) (model.LedgerEntry, error) {
	if err := Validate(e); err != nil {
		return model.LedgerEntry{}, err
	}
	if err := tx.AppendEntry(ctx, &e); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("append %s entry for %s: %w", e.Kind, e.UserID, err)
	}
	return e, nil
}

// EarningReferences are the reference types counted as creator earnings.
var EarningReferences = []string{model.RefTip, model.RefBilling, model.RefPrivateMessage}

// Reader answers history and aggregate queries. Results are snapshots and never gate writes.
type Reader struct {
	store store.Reader
}

func NewReader(s store.Reader) *Reader {
	return &Reader{store: s}
}

const maxHistoryLimit = 500

func (r *Reader) History(ctx context.Context, userID string, from, to time.Time, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return r.store.ListEntries(ctx, store.EntryFilter{UserID: userID, From: from, To: to, Limit: limit})
}

// Earnings sums DEPOSIT entries from tips, stream billing and private messages in [from, to).
func (r *Reader) Earnings(ctx context.Context, userID string, from, to time.Time) (decimal.Decimal, error) {
	return r.store.SumEntries(ctx, store.EntryFilter{
		UserID:         userID,
		Kind:           model.EntryDeposit,
		ReferenceTypes: EarningReferences,
		From:           from,
		To:             to,
	})
}

// Balance returns the signed entry sum for userID.
func (r *Reader) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return r.store.SumEntries(ctx, store.EntryFilter{UserID: userID})
}
