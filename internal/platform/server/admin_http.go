package server

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/access"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/audit"
)

func (g *Gateway) reconcile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := access.Require(actor, access.CapReconcile); err != nil {
		g.fail(w, err)
		return
	}
	report, err := g.svc.Reconciler.Run(r.Context())
	if err != nil {
		g.fail(w, err)
		return
	}
	g.svc.Metrics.ObserveReconciliation(report)
	if g.svc.Audit != nil {
		res := audit.ResultSuccess
		if !report.OK() {
			res = audit.ResultError
		}
		if _, err := g.svc.Audit.Append(r.Context(), audit.Event{
			ActorID:    actor.ID,
			ActorRole:  string(actor.Role),
			ObjectType: "ledger",
			ObjectID:   "wallets",
			Action:     audit.ActionReconciliationRun,
			Result:     res,
		}); err != nil {
			g.log.Error("audit append failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": report.OK(), "report": report})
}

type auditJSON struct {
	AuditID    string    `json:"auditId"`
	RecordedAt time.Time `json:"recordedAt"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	ObjectType string    `json:"objectType"`
	ObjectID   string    `json:"objectId"`
	Action     string    `json:"action"`
	Result     string    `json:"result"`
	Reason     string    `json:"reason,omitempty"`
	HashPrev   string    `json:"hashPrev"`
	HashCurr   string    `json:"hashCurr"`
}

func (g *Gateway) auditLog(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := access.Require(actor, access.CapViewAudit); err != nil {
		g.fail(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}
	q := r.URL.Query()
	events, err := g.svc.Audit.List(r.Context(), audit.Filter{
		ObjectType: strings.TrimSpace(q.Get("objectType")),
		ObjectID:   strings.TrimSpace(q.Get("objectId")),
		Limit:      limit,
	})
	if err != nil {
		g.fail(w, err)
		return
	}
	out := make([]auditJSON, 0, len(events))
	for _, e := range events {
		out = append(out, auditJSON{
			AuditID:    e.AuditID,
			RecordedAt: e.RecordedAt,
			ActorID:    e.ActorID,
			ActorRole:  e.ActorRole,
			ObjectType: e.ObjectType,
			ObjectID:   e.ObjectID,
			Action:     e.Action,
			Result:     string(e.Result),
			Reason:     e.Reason,
			HashPrev:   e.HashPrev,
			HashCurr:   e.HashCurr,
		})
	}
	resp := map[string]any{"events": out}
	if q.Get("verify") == "true" {
		resp["chainValid"], resp["chainError"] = g.verifyChain(r)
	}
	writeJSON(w, http.StatusOK, resp)
}

// verifyChain replays the whole log oldest first.
func (g *Gateway) verifyChain(r *http.Request) (bool, string) {
	all, err := g.svc.Audit.List(r.Context(), audit.Filter{})
	if err != nil {
		return false, err.Error()
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if err := audit.Verify(all); err != nil {
		return false, err.Error()
	}
	return true, ""
}
