// Package server exposes the wallet services over HTTP and carries the process-level
// concerns around them: metrics, TLS, health and remote access control.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/access"
	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/deposits"
	"github.com/wizardbeardstudio/streamwallet/internal/ledger"
	"github.com/wizardbeardstudio/streamwallet/internal/metering"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/auth"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/logging"
	"github.com/wizardbeardstudio/streamwallet/internal/withdrawals"
)

// WebhookPath is authenticated by its HMAC signature, not a bearer token.
const WebhookPath = "/v1/webhooks/payments"

type Services struct {
	Coordinator *coordinator.Coordinator
	Metering    *metering.Engine
	Deposits    *deposits.Guard
	Withdrawals *withdrawals.Service
	Messenger   *access.Messenger
	Ledger      *ledger.Reader
	Reconciler  *ledger.Reconciler
	Audit       audit.Store
	Metrics     *Metrics
	Logger      *zap.Logger
}

type Gateway struct {
	svc Services
	mux *runtime.ServeMux
	log *zap.Logger
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func NewGateway(svc Services) (*Gateway, error) {
	g := &Gateway{svc: svc, mux: runtime.NewServeMux(), log: logging.OrNop(svc.Logger)}
	routes := []route{
		{http.MethodPost, WebhookPath, g.paymentWebhook},

		{http.MethodPost, "/v1/streams/{id}/billing", g.bill},
		{http.MethodPost, "/v1/streams/{id}/sessions/end", g.endSession},
		{http.MethodPost, "/v1/streams/{id}/tips", g.tip},
		{http.MethodPost, "/v1/streams/{id}/messages", g.sendMessage},
		{http.MethodGet, "/v1/streams/{id}/messages", g.listMessages},
		{http.MethodPut, "/v1/internal/streams/{id}", g.putStream},

		{http.MethodGet, "/v1/wallet", g.wallet},
		{http.MethodGet, "/v1/wallet/ledger", g.walletLedger},
		{http.MethodGet, "/v1/wallet/earnings", g.walletEarnings},

		{http.MethodPost, "/v1/withdrawals", g.createWithdrawal},
		{http.MethodGet, "/v1/withdrawals", g.listWithdrawals},
		{http.MethodGet, "/v1/withdrawals/{id}", g.getWithdrawal},
		{http.MethodPatch, "/v1/withdrawals/{id}", g.reviewWithdrawal},
		{http.MethodDelete, "/v1/withdrawals/{id}", g.cancelWithdrawal},

		{http.MethodPost, "/v1/chat/requests", g.createChatRequest},
		{http.MethodGet, "/v1/chat/requests", g.listChatRequests},
		{http.MethodPost, "/v1/chat/requests/{id}/accept", g.acceptChatRequest},
		{http.MethodPost, "/v1/chat/requests/{id}/reject", g.rejectChatRequest},

		{http.MethodGet, "/v1/admin/reconciliation", g.reconcile},
		{http.MethodGet, "/v1/admin/audit", g.auditLog},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return g, nil
}

func (g *Gateway) Mux() *runtime.ServeMux { return g.mux }

// NewHTTPHandler assembles the full HTTP surface: probes and metrics bypass auth, the
// remote access guard fronts admin paths and every API route except the webhook needs a
// bearer token.
func NewHTTPHandler(g *Gateway, verifier *auth.JWTVerifier, guard *RemoteAccessGuard, sys SystemHandler) http.Handler {
	mux := http.NewServeMux()
	sys.Register(mux)
	mux.Handle("/metrics", g.svc.Metrics.Handler())

	var api http.Handler = auth.HTTPJWTMiddlewareWithSkips(verifier, g.mux, []string{WebhookPath})
	if guard != nil {
		api = guard.Wrap(api)
	}
	mux.Handle("/", g.svc.Metrics.Instrument(api))
	return mux
}

func (g *Gateway) fail(w http.ResponseWriter, err error) {
	writeError(w, g.log, err)
}

func actorFrom(r *http.Request) (auth.Actor, error) {
	a, ok := auth.ActorFromContext(r.Context())
	if !ok || a.ID == "" {
		return auth.Actor{}, apperr.Auth("missing identity")
	}
	return a, nil
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be RFC3339", key)
	}
	return t, nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("limit must be a non-negative integer")
	}
	return n, nil
}
