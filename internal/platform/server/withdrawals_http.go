package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/withdrawals"
)

type withdrawalJSON struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	ReviewedBy    string          `json:"reviewedBy,omitempty"`
	ReviewedAt    *time.Time      `json:"reviewedAt,omitempty"`
	ReviewNote    string          `json:"reviewNote,omitempty"`
	PayoutRef     string          `json:"payoutRef,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func withdrawalView(w model.WithdrawalRequest) withdrawalJSON {
	return withdrawalJSON{
		ID:            w.ID,
		UserID:        w.UserID,
		Amount:        w.Amount,
		Currency:      w.Currency,
		Status:        string(w.Status),
		ReviewedBy:    w.ReviewedBy,
		ReviewedAt:    w.ReviewedAt,
		ReviewNote:    w.ReviewNote,
		PayoutRef:     w.PayoutRef,
		FailureReason: w.FailureReason,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

type createWithdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (g *Gateway) createWithdrawal(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	var req createWithdrawalRequest
	if err := readJSON(r, &req); err != nil {
		g.fail(w, err)
		return
	}
	out, err := g.svc.Withdrawals.Create(r.Context(), actor, req.Amount)
	if err != nil {
		g.fail(w, err)
		return
	}
	g.svc.Metrics.ObserveWithdrawal(string(out.Status))
	writeJSON(w, http.StatusCreated, withdrawalView(out))
}

func (g *Gateway) listWithdrawals(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	status := model.WithdrawalStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	list, err := g.svc.Withdrawals.List(r.Context(), actor, status, limit)
	if err != nil {
		g.fail(w, err)
		return
	}
	out := make([]withdrawalJSON, 0, len(list))
	for _, wr := range list {
		out = append(out, withdrawalView(wr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawals": out})
}

func (g *Gateway) getWithdrawal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	out, err := g.svc.Withdrawals.Get(r.Context(), actor, params["id"])
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawalView(out))
}

type reviewWithdrawalRequest struct {
	Action string `json:"action"`
	Note   string `json:"note"`
}

func (g *Gateway) reviewWithdrawal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	var req reviewWithdrawalRequest
	if err := readJSON(r, &req); err != nil {
		g.fail(w, err)
		return
	}
	var decision withdrawals.Decision
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "approve":
		decision = withdrawals.DecisionApprove
	case "reject":
		decision = withdrawals.DecisionReject
	default:
		g.fail(w, apperr.Validation("action must be approve or reject"))
		return
	}
	res, err := g.svc.Withdrawals.Review(r.Context(), actor, params["id"], decision, req.Note)
	if decision == withdrawals.DecisionApprove {
		g.svc.Metrics.ObserveMovement("withdrawal_settle", err)
	}
	if err != nil {
		g.fail(w, err)
		return
	}
	if res.NoOp {
		writeJSON(w, http.StatusOK, map[string]any{
			"noop":       true,
			"reason":     res.Reason,
			"withdrawal": withdrawalView(res.Withdrawal),
		})
		return
	}
	g.svc.Metrics.ObserveWithdrawal(string(res.Withdrawal.Status))
	writeJSON(w, http.StatusOK, withdrawalView(res.Withdrawal))
}

func (g *Gateway) cancelWithdrawal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	actor, err := actorFrom(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	if err := g.svc.Withdrawals.Cancel(r.Context(), actor, params["id"]); err != nil {
		g.fail(w, err)
		return
	}
	g.svc.Metrics.ObserveWithdrawal(withdrawals.StatusCancelled)
	w.WriteHeader(http.StatusNoContent)
}
