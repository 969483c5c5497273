package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/streamwallet/internal/access"
	"github.com/wizardbeardstudio/streamwallet/internal/model"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/money"
	"github.com/wizardbeardstudio/streamwallet/internal/store"
)

type entryJSON struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	BalanceAfter  decimal.Decimal   `json:"balanceAfter"`
	ReferenceType string            `json:"referenceType"`
	ReferenceID   string            `json:"referenceId"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func entryView(e model.LedgerEntry) entryJSON {
	return entryJSON{
		ID:            e.ID,
		Kind:          string(e.Kind),
		Amount:        e.Amount,
		Currency:      e.Currency,
		BalanceAfter:  e.BalanceAfter,
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		Description:   e.Description,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
	}
}

// walletOwner resolves ?userId=, which only readers of any wallet may set to someone else.
func walletOwner(r *http.Request) (string, error) {
	actor, err := actorFrom(r)
	if err != nil {
		return "", err
	}
	target := strings.TrimSpace(r.URL.Query().Get("userId"))
	if target == "" {
		target = actor.ID
	}
	if err := access.RequireOwnerOr(actor, target, access.CapReadAnyWallet); err != nil {
		return "", err
	}
	return target, nil
}

func (g *Gateway) wallet(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	userID, err := walletOwner(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	wallet, err := g.svc.Coordinator.Store().GetWallet(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		wallet = model.Wallet{UserID: userID, Balance: decimal.Zero, Currency: g.svc.Coordinator.Currency()}
	} else if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   wallet.UserID,
		"balance":  wallet.Balance,
		"display":  money.Display(wallet.Balance),
		"currency": wallet.Currency,
	})
}

func (g *Gateway) walletLedger(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	userID, err := walletOwner(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		g.fail(w, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		g.fail(w, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	entries, err := g.svc.Ledger.History(r.Context(), userID, from, to, limit)
	if err != nil {
		g.fail(w, err)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (g *Gateway) walletEarnings(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	userID, err := walletOwner(r)
	if err != nil {
		g.fail(w, err)
		return
	}
	from, err := queryTime(r, "from")
	if err != nil {
		g.fail(w, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		g.fail(w, err)
		return
	}
	total, err := g.svc.Ledger.Earnings(r.Context(), userID, from, to)
	if err != nil {
		g.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "earnings": total})
}
