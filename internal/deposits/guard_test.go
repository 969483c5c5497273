package deposits

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

const testSecret = "whsec-test"

func newGuard(t *testing.T, claimer Claimer) (*Guard, *store.MemoryStore, *audit.InMemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	auditStore := audit.NewInMemoryStore()
	coord := coordinator.New(s, coordinator.Options{Clock: clock.NewFixed(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))})
	return NewGuard(coord, GuardOptions{Secret: testSecret, Claimer: claimer, Audit: auditStore}), s, auditStore
}

func chargeBody(typ, code, userID, tokens string) []byte {
	return []byte(fmt.Sprintf(`{"event":{"type":%q,"data":{"id":"chg-%s","code":%q,`+
		`"metadata":{"userId":%q,"planId":"starter","tokens":%q},`+
		`"pricing":{"local":{"amount":"4.99","currency":"usd"},"settlement":{"amount":"5.01","currency":"USDC"}}}}}`,
		typ, code, code, userID, tokens))
}

func deliver(t *testing.T, g *Guard, body []byte) (Result, error) {
	t.Helper()
	return g.HandleWebhook(context.Background(), body, Sign([]byte(testSecret), body))
}

func TestConfirmedChargeDepositsOnce(t *testing.T) {
	g, s, _ := newGuard(t, nil)
	body := chargeBody(TypeChargeConfirmed, "abc", "viewer-1", "10")

	res, err := deliver(t, g, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeposited, res.Outcome)
	assert.Equal(t, "10", res.Balance.String())

	again, err := deliver(t, g, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)

	resolved, err := deliver(t, g, chargeBody(TypeChargeResolved, "abc", "viewer-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, resolved.Outcome)

	ctx := context.Background()
	w, err := s.GetWallet(ctx, "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, "10", w.Balance.String())

	p, err := s.GetPaymentByRef(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSucceeded, p.Status)
	assert.Equal(t, "4.99", p.Amount.String())
	assert.Equal(t, "USD", p.Currency)
	assert.Equal(t, "starter", p.PlanID)
	require.NotNil(t, p.CompletedAt)

	entries, err := s.ListEntries(ctx, store.EntryFilter{UserID: "viewer-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryDeposit, entries[0].Kind)
	assert.Equal(t, "10", entries[0].Amount.String())
	assert.Equal(t, "10", entries[0].BalanceAfter.String())
	assert.Equal(t, "abc", entries[0].ReferenceID)
}

func TestBadSignatureHasNoSideEffects(t *testing.T) {
	g, s, auditStore := newGuard(t, nil)
	body := chargeBody(TypeChargeConfirmed, "abc", "viewer-1", "10")

	_, err := g.HandleWebhook(context.Background(), body, Sign([]byte("wrong"), body))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProvider))
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = g.HandleWebhook(context.Background(), body, "not-hex")
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = s.GetPaymentByRef(context.Background(), "abc")
	assert.ErrorIs(t, err, store.ErrNotFound)
	events := auditStore.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionWebhookRejected, events[0].Action)
}

func TestFailedChargeRecordsPaymentWithoutCredit(t *testing.T) {
	g, s, _ := newGuard(t, nil)
	body := []byte(`{"event":{"type":"charge:failed","data":{"code":"zzz","metadata":{"userId":"viewer-1"},` +
		`"timeline":[{"status":"NEW"},{"status":"EXPIRED","context":"payment window closed"}]}}}`)

	res, err := deliver(t, g, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	p, err := s.GetPaymentByRef(context.Background(), "zzz")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, p.Status)
	assert.Equal(t, "payment window closed", p.FailureReason)
	_, err = s.GetWallet(context.Background(), "viewer-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	again, err := deliver(t, g, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
}

func TestResolvedChargeSettlesEarlierFailureOnce(t *testing.T) {
	g, s, _ := newGuard(t, nil)
	ctx := context.Background()

	res, err := deliver(t, g, chargeBody(TypeChargeFailed, "under", "viewer-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	resolved := chargeBody(TypeChargeResolved, "under", "viewer-1", "10")
	res, err = deliver(t, g, resolved)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeposited, res.Outcome)
	assert.Equal(t, "10", res.Balance.String())

	p, err := s.GetPaymentByRef(ctx, "under")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSucceeded, p.Status)
	assert.Empty(t, p.FailureReason)
	assert.NotNil(t, p.CompletedAt)

	for _, body := range [][]byte{resolved, chargeBody(TypeChargeConfirmed, "under", "viewer-1", "10"), chargeBody(TypeChargeFailed, "under", "viewer-1", "10")} {
		again, err := deliver(t, g, body)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, again.Outcome)
	}
	w, err := s.GetWallet(ctx, "viewer-1")
	require.NoError(t, err)
	assert.Equal(t, "10", w.Balance.String())
}

func TestPendingAndUnknownTypesAreAcknowledged(t *testing.T) {
	g, s, _ := newGuard(t, nil)

	res, err := deliver(t, g, chargeBody(TypeChargePending, "p1", "viewer-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, res.Outcome)

	res, err = deliver(t, g, []byte(`{"event":{"type":"charge:created","data":{"code":"p1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	_, err = s.GetPaymentByRef(context.Background(), "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMalformedPayloadsAreRejected(t *testing.T) {
	g, _, _ := newGuard(t, nil)
	for name, body := range map[string][]byte{
		"not json":      []byte(`{"event":`),
		"no type":       []byte(`{"event":{"data":{"code":"x"}}}`),
		"no code":       []byte(`{"event":{"type":"charge:confirmed","data":{"metadata":{"userId":"u","tokens":"1"}}}}`),
		"no user":       chargeBody(TypeChargeConfirmed, "x", "", "5"),
		"zero tokens":   chargeBody(TypeChargeConfirmed, "x", "u", "0"),
		"tokens as NaN": chargeBody(TypeChargeConfirmed, "x", "u", "lots"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := deliver(t, g, body)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestParseEventAcceptsNumericTokens(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event":{"type":"charge:confirmed","data":{"code":"n1","metadata":{"userId":"u","tokens":25},"pricing":{"settlement":{"amount":"9.5","currency":"usdc"}}}}}`))
	require.NoError(t, err)
	settled, ok := ev.(ChargeSettled)
	require.True(t, ok)
	assert.Equal(t, "25", settled.Tokens.String())
	assert.Equal(t, "USDC", settled.Currency)
}

type busyClaimer struct{}

func (busyClaimer) Claim(context.Context, string) (func(), bool, error) { return func() {}, false, nil }

type brokenClaimer struct{}

func (brokenClaimer) Claim(context.Context, string) (func(), bool, error) {
	return func() {}, false, errors.New("redis unavailable")
}

func TestClaimOutcomes(t *testing.T) {
	g, _, _ := newGuard(t, busyClaimer{})
	_, err := deliver(t, g, chargeBody(TypeChargeConfirmed, "c1", "u", "3"))
	assert.ErrorIs(t, err, ErrInFlight)

	g, s, _ := newGuard(t, brokenClaimer{})
	res, err := deliver(t, g, chargeBody(TypeChargeConfirmed, "c1", "u", "3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeposited, res.Outcome)
	w, err := s.GetWallet(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "3", w.Balance.String())
}

func TestRedisClaimer(t *testing.T) {
	addr := os.Getenv("WALLET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set WALLET_TEST_REDIS_ADDR to run redis integration tests")
	}
	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewRedisClaimer(rdb, 5*time.Second)
	ref := fmt.Sprintf("test-%d", time.Now().UnixNano())
	release, ok, err := c.Claim(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.Claim(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := c.Claim(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
