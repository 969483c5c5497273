package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/streamwallet/internal/deposits"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/apperr"
	"github.com/wizardbeardstudio/streamwallet/internal/platform/money"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error    errorBody `json:"error"`
	Required string    `json:"required,omitempty"`
	Current  string    `json:"current,omitempty"`
}

// NoopResponse is the body returned when a request collided with state that already
// satisfies it. Retries of such requests succeed.
type NoopResponse struct {
	Noop   bool   `json:"noop"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case apperr.KindConflict:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the single place error kinds become HTTP responses.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	if errors.Is(err, deposits.ErrInFlight) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: errorBody{Kind: "busy", Message: err.Error()}})
		return
	}
	e, ok := apperr.As(err)
	if !ok {
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{Kind: "internal", Message: "internal error"}})
		return
	}
	status := statusFor(e.Kind)
	kind := strings.ToLower(string(e.Kind))
	switch e.Kind {
	case apperr.KindConflict:
		writeJSON(w, status, NoopResponse{Noop: true, Reason: e.Message})
	case apperr.KindInsufficientFunds:
		writeJSON(w, status, errorResponse{
			Error:    errorBody{Kind: kind, Message: e.Message},
			Required: e.Required.String(),
			Current:  money.Display(e.Current),
		})
	case apperr.KindInternal:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: "internal error"}})
	default:
		if status >= 500 {
			log.Warn("request failed", zap.String("kind", string(e.Kind)), zap.Error(err))
		}
		writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: e.Message}})
	}
}

// readJSON decodes a bounded request body into dst. An empty body leaves dst untouched.
func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.KindValidation, fmt.Sprintf("invalid json body: %v", err), err)
	}
	return nil
}
