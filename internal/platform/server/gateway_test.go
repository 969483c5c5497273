package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/access"
	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/deposits"
	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/metering"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/clock"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
	"github.com/wizardbeardstudio/streamwallet/internal/withdrawals"
)

const (
	testWebhookSecret = "whsec-gateway"
	trustedAddr       = "10.0.0.5:4100"
	untrustedAddr     = "203.0.113.9:4100"
)

type harness struct {
	handler http.Handler
	signer  *auth.JWTSigner
	clock   *clock.Fixed
	store   *store.MemoryStore
	audit   *audit.InMemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFixed(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore()
	auditStore := audit.NewInMemoryStore()
	coord := coordinator.New(s, coordinator.Options{Clock: clk, Currency: "USD"})
	metrics := NewMetrics()

	g, err := NewGateway(Services{
		Coordinator: coord,
		Metering:    metering.NewEngine(coord, decimal.RequireFromString("0.22"), nil),
		Deposits:    deposits.NewGuard(coord, deposits.GuardOptions{Secret: testWebhookSecret, Audit: auditStore}),
		Withdrawals: withdrawals.NewService(coord, withdrawals.Options{
			Payouts:       metrics.InstrumentPayouts(withdrawals.ManualPayouts{}),
			Audit:         auditStore,
			MinWithdrawal: decimal.NewFromInt(50),
		}),
		Messenger:  access.NewMessenger(coord, decimal.NewFromInt(1), time.Hour, nil),
		Ledger:     ledger.NewReader(s),
		Reconciler: ledger.NewReconciler(s, clk, nil),
		Audit:      auditStore,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	guard, err := NewRemoteAccessGuard(clk, auditStore, []string{"10.0.0.0/8"}, nil)
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	keys := auth.HMACKeyset{ActiveKID: "k1", Keys: map[string][]byte{"k1": []byte("gateway-test-key")}}
	return &harness{
		handler: NewHTTPHandler(g, auth.NewJWTVerifierWithKeyset(keys), guard, SystemHandler{Version: "test", StartedAt: clk.Now()}),
		signer:  auth.NewJWTSignerWithKeyset(keys),
		clock:   clk,
		store:   s,
		audit:   auditStore,
	}
}

func (h *harness) token(t *testing.T, id string, role auth.Role) string {
	t.Helper()
	tok, _, err := h.signer.SignActor(auth.Actor{ID: id, Role: role}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = trustedAddr
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) deposit(t *testing.T, code, userID, tokens string) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"event":{"type":"charge:confirmed","data":{"id":"chg-%s","code":%q,`+
		`"metadata":{"userId":%q,"planId":"starter","tokens":%q},"pricing":{"local":{"amount":"4.99","currency":"USD"}}}}}`,
		code, code, userID, tokens))
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body))
	req.Header.Set(deposits.SignatureHeader, deposits.Sign([]byte(testWebhookSecret), body))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) goLive(t *testing.T, streamID, creatorID string) {
	t.Helper()
	rec := h.do(t, http.MethodPut, "/v1/internal/streams/"+streamID, h.token(t, "svc", auth.RoleService), map[string]any{
		"creatorId": creatorID,
		"status":    "live",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put stream: %d %s", rec.Code, rec.Body.String())
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (h *harness) balance(t *testing.T, userID string) string {
	t.Helper()
	w, err := h.store.GetWallet(t.Context(), userID)
	if err != nil {
		t.Fatalf("get wallet %s: %v", userID, err)
	}
	return w.Balance.String()
}

func TestWebhookDepositCreditsOnce(t *testing.T) {
	h := newHarness(t)

	rec := h.deposit(t, "abc", "viewer-1", "10")
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["outcome"]; got != string(deposits.OutcomeDeposited) {
		t.Fatalf("outcome = %v", got)
	}
	again := h.deposit(t, "abc", "viewer-1", "10")
	if again.Code != http.StatusOK || decode(t, again)["outcome"] != string(deposits.OutcomeDuplicate) {
		t.Fatalf("redelivery: %d %s", again.Code, again.Body.String())
	}
	if got := h.balance(t, "viewer-1"); got != "10" {
		t.Fatalf("balance = %s, want 10", got)
	}

	ledgerRec := h.do(t, http.MethodGet, "/v1/wallet/ledger", h.token(t, "viewer-1", auth.RoleViewer), nil)
	entries := decode(t, ledgerRec)["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0].(map[string]any)
	if e["kind"] != "DEPOSIT" || e["balanceAfter"] != "10" {
		t.Fatalf("unexpected entry %v", e)
	}
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"event":{"type":"charge:confirmed"}}`)
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body))
	req.Header.Set(deposits.SignatureHeader, "deadbeef")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	events, _ := h.audit.List(t.Context(), audit.Filter{ObjectType: "webhook"})
	if len(events) != 1 || events[0].Action != audit.ActionWebhookRejected {
		t.Fatalf("expected one rejection audit, got %+v", events)
	}
}

func TestTipInsufficientFundsPayload(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, "s1", "creator-1")
	h.deposit(t, "c1", "viewer-1", "1")

	rec := h.do(t, http.MethodPost, "/v1/streams/s1/tips", h.token(t, "viewer-1", auth.RoleViewer), map[string]any{"tokens": 5})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["required"] != "5" || body["current"] != "1.00" {
		t.Fatalf("unexpected payload %v", body)
	}
	if got := h.balance(t, "viewer-1"); got != "1" {
		t.Fatalf("balance changed to %s", got)
	}
}

func TestTipReturnsBothBalances(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, "s1", "creator-1")
	h.deposit(t, "c1", "viewer-1", "10")

	rec := h.do(t, http.MethodPost, "/v1/streams/s1/tips", h.token(t, "viewer-1", auth.RoleViewer), map[string]any{"tokens": 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("tip: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["remainingBalance"] != "6" || body["creatorBalance"] != "4" {
		t.Fatalf("unexpected tip response %v", body)
	}
}

func TestBillingMovesCreditsToCreator(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, "s1", "creator-1")
	h.deposit(t, "c1", "viewer-1", "100")

	rec := h.do(t, http.MethodPost, "/v1/streams/s1/billing", h.token(t, "viewer-1", auth.RoleViewer), map[string]any{"watchTimeSeconds": 60})
	if rec.Code != http.StatusOK {
		t.Fatalf("bill: %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["charged"] != "0.22" || body["remainingBalance"] != "99.78" {
		t.Fatalf("unexpected bill response %v", body)
	}
	if body["totalWatchTimeMs"] != float64(60000) {
		t.Fatalf("totalWatchTimeMs = %v", body["totalWatchTimeMs"])
	}
	if got := h.balance(t, "creator-1"); got != "0.22" {
		t.Fatalf("creator balance = %s", got)
	}

	earn := decode(t, h.do(t, http.MethodGet, "/v1/wallet/earnings", h.token(t, "creator-1", auth.RoleCreator), nil))
	if earn["earnings"] != "0.22" {
		t.Fatalf("earnings = %v", earn["earnings"])
	}
}

func TestBillingReplayWithIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, "s1", "creator-1")
	h.deposit(t, "c1", "viewer-1", "100")
	tok := h.token(t, "viewer-1", auth.RoleViewer)

	send := func() map[string]any {
		req := httptest.NewRequest(http.MethodPost, "/v1/streams/s1/billing", bytes.NewBufferString(`{"watchTimeSeconds":60}`))
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Idempotency-Key", "tick-1")
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("bill: %d %s", rec.Code, rec.Body.String())
		}
		return decode(t, rec)
	}
	send()
	second := send()
	if second["replayed"] != true {
		t.Fatalf("expected replay, got %v", second)
	}
	if got := h.balance(t, "viewer-1"); got != "99.78" {
		t.Fatalf("balance = %s, want 99.78", got)
	}
}

func TestWithdrawalApproveThenNoop(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "c1", "creator-1", "100")
	creator := h.token(t, "creator-1", auth.RoleCreator)
	admin := h.token(t, "admin-1", auth.RoleAdmin)

	rec := h.do(t, http.MethodPost, "/v1/withdrawals", creator, map[string]any{"amount": "60"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	id := decode(t, rec)["id"].(string)

	approved := h.do(t, http.MethodPatch, "/v1/withdrawals/"+id, admin, map[string]any{"action": "approve"})
	if approved.Code != http.StatusOK || decode(t, approved)["status"] != "APPROVED" {
		t.Fatalf("approve: %d %s", approved.Code, approved.Body.String())
	}
	if got := h.balance(t, "creator-1"); got != "40" {
		t.Fatalf("balance = %s, want 40", got)
	}

	again := h.do(t, http.MethodPatch, "/v1/withdrawals/"+id, admin, map[string]any{"action": "approve"})
	body := decode(t, again)
	if again.Code != http.StatusOK || body["noop"] != true {
		t.Fatalf("second approval: %d %v", again.Code, body)
	}
	if got := h.balance(t, "creator-1"); got != "40" {
		t.Fatalf("balance after noop = %s", got)
	}
}

func TestWithdrawalReviewFromUntrustedNetworkDenied(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPatch, "/v1/withdrawals/w1", bytes.NewBufferString(`{"action":"approve"}`))
	req.RemoteAddr = untrustedAddr
	req.Header.Set("Authorization", "Bearer "+h.token(t, "admin-1", auth.RoleAdmin))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestConcurrentTipsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, "s1", "creator-1")
	h.deposit(t, "c1", "viewer-1", "10")
	tok := h.token(t, "viewer-1", auth.RoleViewer)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = h.do(t, http.MethodPost, "/v1/streams/s1/tips", tok, map[string]any{"tokens": 10}).Code
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusPaymentRequired:
		default:
			t.Fatalf("unexpected status %d", c)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one tip to succeed, got %d", ok)
	}
	if got := h.balance(t, "viewer-1"); got != "0" {
		t.Fatalf("balance = %s, want 0", got)
	}
}

func TestMissingTokenUnauthorized(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/wallet", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWalletOfOtherUserNeedsAdmin(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "c1", "viewer-1", "3")

	rec := h.do(t, http.MethodGet, "/v1/wallet?userId=viewer-1", h.token(t, "viewer-2", auth.RoleViewer), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/v1/wallet?userId=viewer-1", h.token(t, "admin-1", auth.RoleAdmin), nil)
	if rec.Code != http.StatusOK || decode(t, rec)["balance"] != "3" {
		t.Fatalf("admin read: %d %s", rec.Code, rec.Body.String())
	}
	empty := decode(t, h.do(t, http.MethodGet, "/v1/wallet", h.token(t, "viewer-3", auth.RoleViewer), nil))
	if empty["balance"] != "0" || empty["currency"] != "USD" {
		t.Fatalf("unexpected empty wallet %v", empty)
	}
}

func TestDuplicateChatRequestIsNoop(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, "s1", "creator-1")
	tok := h.token(t, "viewer-1", auth.RoleViewer)
	body := map[string]any{"receiverId": "viewer-2", "streamId": "s1"}

	if rec := h.do(t, http.MethodPost, "/v1/chat/requests", tok, body); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	rec := h.do(t, http.MethodPost, "/v1/chat/requests", tok, body)
	if rec.Code != http.StatusOK || decode(t, rec)["noop"] != true {
		t.Fatalf("duplicate: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReconciliationReportsCleanLedger(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "c1", "viewer-1", "10")

	rec := h.do(t, http.MethodGet, "/v1/admin/reconciliation", h.token(t, "admin-1", auth.RoleAdmin), nil)
	if rec.Code != http.StatusOK || decode(t, rec)["ok"] != true {
		t.Fatalf("reconcile: %d %s", rec.Code, rec.Body.String())
	}
	forbidden := h.do(t, http.MethodGet, "/v1/admin/reconciliation", h.token(t, "viewer-1", auth.RoleViewer), nil)
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("viewer reconcile: %d", forbidden.Code)
	}

	auditRec := h.do(t, http.MethodGet, "/v1/admin/audit?verify=true", h.token(t, "admin-1", auth.RoleAdmin), nil)
	body := decode(t, auditRec)
	if body["chainValid"] != true {
		t.Fatalf("audit chain: %v", body)
	}
}

func TestHealthAndMetricsBypassAuth(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	h.deposit(t, "c1", "viewer-1", "1")
	rec := h.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("walletd_deposits_webhook_outcomes_total")) {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
