package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/access"
	"github.com/wizardbeardstudio/streamwallet/internal/coordinator"
	"github.com/wizardbeardstudio/streamwallet/internal/metering"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
)

type billRequest struct {
	WatchTimeSeconds int64 `json:"watchTimeSeconds"`
}

type billResponse struct {
	Charged          decimal.Decimal `json:"charged"`
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	TotalWatchTimeMs int64           `json:"totalWatchTimeMs"`
	SessionToken     string          `json:"sessionToken,omitempty"`
	IntervalIndex    int64           `json:"intervalIndex"`
	OwnerExempt      bool            `json:"ownerExempt,omitempty"`
	Replayed         bool            `json:"replayed,omitempty"`
}

func (g *Gateway) bill(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := access.Require(actor, access.CapWatch); err != nil {
		g.fail(w, err)
		return
	}
	var req billRequest
	if err := readJSON(r, &req); err != nil {
		g.fail(w, err)
		return
	}
	res, err := g.svc.Metering.Bill(r.Context(), metering.BillRequest{
		StreamID:         params["id"],
		ViewerID:         actor.ID,
		WatchTimeSeconds: req.WatchTimeSeconds,
		IdempotencyKey:   strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	g.svc.Metrics.ObserveMovement("bill", err)
	if err != nil {
		g.fail(w, err)
		return
	}
	if !res.Replayed {
		g.svc.Metrics.ObserveBilled(res.Charged)
	}
	writeJSON(w, http.StatusOK, billResponse{
		Charged:          res.Charged,
		RemainingBalance: res.RemainingBalance,
		TotalWatchTimeMs: res.TotalWatchTimeMs,
		SessionToken:     res.SessionToken,
		IntervalIndex:    res.IntervalIndex,
		OwnerExempt:      res.OwnerExempt,
		Replayed:         res.Replayed,
	})
}

func (g *Gateway) endSession(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	sess, err := g.svc.Metering.EndSession(r.Context(), params["id"], actor.ID)
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":        sess.ID,
		"status":           sess.Status,
		"totalWatchTimeMs": sess.TotalWatchMs,
	})
}

type tipRequest struct {
	Tokens   decimal.Decimal `json:"tokens"`
	Activity string          `json:"activity"`
}

func (g *Gateway) tip(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := access.Require(actor, access.CapTip); err != nil {
		g.fail(w, err)
		return
	}
	var req tipRequest
	if err := readJSON(r, &req); err != nil {
		g.fail(w, err)
		return
	}
	res, err := g.svc.Coordinator.Tip(r.Context(), coordinator.TipRequest{
		StreamID:  params["id"],
		PayerID:   actor.ID,
		PayerName: actor.ID,
		Amount:    req.Tokens,
		Activity:  req.Activity,
	})
	g.svc.Metrics.ObserveMovement("tip", err)
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tipId":            res.TipID,
		"remainingBalance": res.PayerBalance,
		"creatorBalance":   res.PayeeBalance,
		"message":          messageView(res.Message),
	})
}

type putStreamRequest struct {
	CreatorID string    `json:"creatorId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// putStream lets the streaming transport push broadcast state when the event bus is not used.
func (g *Gateway) putStream(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := access.Require(actor, access.CapManageStreams); err != nil {
		g.fail(w, err)
		return
	}
	var req putStreamRequest
	if err := readJSON(r, &req); err != nil {
		g.fail(w, err)
		return
	}
	status := model.StreamStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status != model.StreamLive && status != model.StreamOffline {
		g.fail(w, apperr.Validation("status must be LIVE or OFFLINE"))
		return
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = g.svc.Coordinator.Now()
	}
	s := model.Stream{ID: params["id"], CreatorID: req.CreatorID, Status: status, UpdatedAt: req.UpdatedAt}
	if err := g.svc.Metering.SetStream(r.Context(), s); err != nil {
		g.fail(w, err)
		return
	}
	current, err := g.svc.Metering.GetStream(r.Context(), s.ID)
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        current.ID,
		"creatorId": current.CreatorID,
		"status":    current.Status,
		"updatedAt": current.UpdatedAt,
	})
}
