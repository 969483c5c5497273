package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func TestDebitAndDepositSigns(t *testing.T) {
	m := Movement{UserID: "u", Amount: decimal.RequireFromString("0.22"), Currency: "TKN", BalanceAfter: decimal.RequireFromString("99.78"), ReferenceType: model.RefBilling}
	d := Debit(m, t0)
	assert.Equal(t, model.EntryDebit, d.Kind)
	assert.Equal(t, "-0.22", d.Amount.String())
	require.NoError(t, Validate(d))

	m.Amount = m.Amount.Neg()
	p := Deposit(m, t0)
	assert.Equal(t, model.EntryDeposit, p.Kind)
	assert.Equal(t, "0.22", p.Amount.String())
	require.NoError(t, Validate(p))
}

func TestValidateRejectsMalformedEntries(t *testing.T) {
	good := Deposit(Movement{UserID: "u", Amount: decimal.NewFromInt(1), BalanceAfter: decimal.NewFromInt(1), ReferenceType: model.RefPayment}, t0)

	zero := good
	zero.Amount = decimal.Zero
	assert.ErrorIs(t, Validate(zero), ErrBadEntry)

	flipped := good
	flipped.Kind = model.EntryDebit
	assert.ErrorIs(t, Validate(flipped), ErrBadEntry)

	noRef := good
	noRef.ReferenceType = ""
	assert.ErrorIs(t, Validate(noRef), ErrBadEntry)
}

func seed(t *testing.T, s *store.MemoryStore, userID string, entries ...model.LedgerEntry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetOrCreateWallet(ctx, userID, "TKN"); err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := tx.Credit(ctx, userID, e.Amount); err != nil {
				return err
			}
			if _, err := Append(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestEarningsCountsOnlyEarningDeposits(t *testing.T) {
	s := store.NewMemoryStore()
	mk := func(ref string, amt int64, at time.Time) model.LedgerEntry {
		return Deposit(Movement{UserID: "creator", Amount: decimal.NewFromInt(amt), BalanceAfter: decimal.NewFromInt(amt), ReferenceType: ref}, at)
	}
	seed(t, s, "creator",
		mk(model.RefPayment, 100, t0),
		mk(model.RefTip, 5, t0.Add(time.Minute)),
		mk(model.RefBilling, 2, t0.Add(2*time.Minute)),
		mk(model.RefPrivateMessage, 1, t0.Add(3*time.Minute)),
		mk(model.RefTip, 7, t0.Add(48*time.Hour)),
	)
	r := NewReader(s)

	got, err := r.Earnings(context.Background(), "creator", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "8", got.String())

	hist, err := r.History(context.Background(), "creator", time.Time{}, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "7", hist[0].Amount.String())
}

func TestReconcilerFlagsDrift(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seed(t, s, "clean", Deposit(Movement{UserID: "clean", Amount: decimal.NewFromInt(10), BalanceAfter: decimal.NewFromInt(10), ReferenceType: model.RefPayment}, t0))
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetOrCreateWallet(ctx, "drifted", "TKN"); err != nil {
			return err
		}
		_, err := tx.Credit(ctx, "drifted", decimal.NewFromInt(3))
		return err
	}))

	rec := NewReconciler(s, clock.NewFixed(t0), nil)
	rep, err := rec.Run(ctx)
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.Equal(t, 2, rep.Wallets)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, "drifted", rep.Mismatches[0].UserID)
	assert.Equal(t, t0, rep.CheckedAt)
}
