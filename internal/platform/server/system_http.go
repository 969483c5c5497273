package server

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type SystemHandler struct {
	Version   string
	StartedAt time.Time
	// DB is optional; nil means the in-memory store is in use.
	DB Pinger
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"version": h.Version, "startedAt": h.StartedAt, "store": "memory"}
	if h.DB != nil {
		body["store"] = "postgres"
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.DB.PingContext(ctx); err != nil {
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}
