// Package ops serves the health, readiness and metrics endpoints of the
// background workers.
package ops

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// ReadyFunc reports whether the process can do useful work.
type ReadyFunc func(ctx context.Context) error

// Router mounts /health, /ready and /metrics.
func Router(ready ReadyFunc) chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

// NewServer returns an unstarted server for Router on the configured port.
func NewServer(cfg config.HTTPConfig, ready ReadyFunc) *http.Server {
	return &http.Server{
		Addr:         cfg.Address(),
		Handler:      Router(ready),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
