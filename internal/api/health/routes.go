// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Routes binds all the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Get("/health", check(cfg))
	r.Get("/readiness", readiness(cfg))
}

// healthResponse represents the response for health check.
type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build"`
}

// readyResponse represents the response for readiness check.
type readyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func check(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				cfg.Log.Warn(r.Context(), "readiness check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
