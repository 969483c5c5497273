package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/wizardbeardstudio/streamwallet/internal/deposits"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
)

// paymentWebhook hands the raw body to the deposit guard. Already-applied charges answer
// 200 so the provider stops retrying; malformed or unsigned deliveries answer non-2xx.
func (g *Gateway) paymentWebhook(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.fail(w, apperr.Wrap(apperr.KindValidation, "unreadable body", err))
		return
	}
	res, err := g.svc.Deposits.HandleWebhook(r.Context(), body, r.Header.Get(deposits.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, deposits.ErrBadSignature):
			g.svc.Metrics.ObserveWebhook("rejected")
		case errors.Is(err, deposits.ErrInFlight):
			g.svc.Metrics.ObserveWebhook("in_flight")
		default:
			g.svc.Metrics.ObserveWebhook("error")
		}
		g.fail(w, err)
		return
	}
	g.svc.Metrics.ObserveWebhook(string(res.Outcome))
	if res.Outcome == deposits.OutcomeDeposited {
		g.svc.Metrics.ObserveMovement("deposit", nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"outcome":  res.Outcome,
		"code":     res.Code,
	})
}
