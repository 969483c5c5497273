package store_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

func openPostgresForIntegration(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := os.Getenv("WALLET_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set WALLET_TEST_DATABASE_URL to run postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pg, err := store.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	require.NoError(t, store.Migrate(ctx, pg.DB(), "up"))

	const q = `
TRUNCATE TABLE
  chat_messages,
  private_chat_requests,
  withdrawal_requests,
  meter_events,
  stream_sessions,
  streams,
  payments,
  ledger_entries,
  wallets,
  audit_events`
	_, err = pg.DB().ExecContext(ctx, q)
	require.NoError(t, err)
	return pg
}

func TestPostgresConcurrentTipsNeverOverdraw(t *testing.T) {
	pg := openPostgresForIntegration(t)
	ctx := context.Background()
	coord := coordinator.New(pg, coordinator.Options{Clock: clock.RealClock{}, Currency: "TKN"})

	require.NoError(t, pg.InTx(ctx, func(tx store.Tx) error {
		return tx.UpsertStream(ctx, model.Stream{ID: "s1", CreatorID: "creator-1", Status: model.StreamLive, UpdatedAt: time.Now().UTC()})
	}))
	require.NoError(t, coord.Do(ctx, func(ctx context.Context, u *coordinator.Unit) error {
		_, err := u.Deposit(ctx, "viewer-1", decimal.NewFromInt(10), model.RefPayment, "seed", "seed", nil)
		return err
	}))

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Tip(ctx, coordinator.TipRequest{StreamID: "s1", PayerID: "viewer-1", Amount: decimal.NewFromInt(10)})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperr.IsKind(err, apperr.KindInsufficientFunds), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	w, err := pg.GetWallet(ctx, "viewer-1")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero(), "balance = %s", w.Balance)

	report, err := ledger.NewReconciler(pg, clock.RealClock{}, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "reconciliation: %+v", report)
}

func TestPostgresDuplicatePaymentRefIgnored(t *testing.T) {
	pg := openPostgresForIntegration(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p := model.Payment{
		ID:          "p1",
		UserID:      "viewer-1",
		Provider:    "coinbase_commerce",
		ProviderRef: "abc",
		Status:      model.PaymentSucceeded,
		Amount:      decimal.RequireFromString("4.99"),
		Currency:    "USD",
		Credits:     decimal.NewFromInt(10),
		CompletedAt: &now,
		CreatedAt:   now,
	}
	var inserted []bool
	for i := 0; i < 2; i++ {
		p.ID = p.ID + "x"
		err := pg.InTx(ctx, func(tx store.Tx) error {
			ok, err := tx.InsertPayment(ctx, &p)
			inserted = append(inserted, ok)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, false}, inserted)

	_, err := pg.GetPaymentByRef(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPostgresFailedPaymentSettlesOnce(t *testing.T) {
	pg := openPostgresForIntegration(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, pg.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertPayment(ctx, &model.Payment{
			ID: "p-failed", UserID: "viewer-1", Provider: "coinbase_commerce", ProviderRef: "under",
			Status: model.PaymentFailed, FailureReason: "underpaid", CreatedAt: now,
		})
		return err
	}))

	var settled []bool
	for i := 0; i < 2; i++ {
		require.NoError(t, pg.InTx(ctx, func(tx store.Tx) error {
			ok, err := tx.SettleFailedPayment(ctx, &model.Payment{
				UserID: "viewer-1", Provider: "coinbase_commerce", ProviderRef: "under",
				Status: model.PaymentSucceeded, Credits: decimal.NewFromInt(10), CompletedAt: &now,
			})
			settled = append(settled, ok)
			return err
		}))
	}
	assert.Equal(t, []bool{true, false}, settled)

	p, err := pg.GetPaymentByRef(ctx, "under")
	require.NoError(t, err)
	assert.Equal(t, "p-failed", p.ID)
	assert.Equal(t, model.PaymentSucceeded, p.Status)
	assert.Empty(t, p.FailureReason)
}

func TestPostgresReclaimOnlyStaleWithdrawalClaims(t *testing.T) {
	pg := openPostgresForIntegration(t)
	ctx := context.Background()
	claimedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, pg.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertWithdrawal(ctx, &model.WithdrawalRequest{ID: "w1", UserID: "c", Amount: decimal.NewFromInt(60),
			Currency: "TKN", Status: model.WithdrawalPending, CreatedAt: claimedAt, UpdatedAt: claimedAt}); err != nil {
			return err
		}
		_, err := tx.ClaimWithdrawal(ctx, "w1", "admin", claimedAt)
		return err
	}))

	err := pg.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.ReclaimWithdrawal(ctx, "w1", "admin2", claimedAt.Add(-time.Second), claimedAt)
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, pg.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.ReclaimWithdrawal(ctx, "w1", "admin2", claimedAt, claimedAt.Add(time.Minute))
		if err != nil {
			return err
		}
		assert.Equal(t, "admin2", w.ReviewedBy)
		assert.True(t, w.Claimed())
		return nil
	}))
}
