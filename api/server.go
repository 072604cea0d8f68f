/*
server.go - Operational HTTP surface

PURPOSE:
  The engine exposes no donation-facing network protocol; it is invoked
  in-process. This router serves only the operational endpoints:

    GET /healthz   liveness + store reachability
    GET /metrics   Prometheus exposition (see jobs/metrics.go)

ROUTER: chi
  Lightweight, context-based, the house standard.

SEE ALSO:
  - cmd/matchd: mounts this next to the job scheduler
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the ops router. pingers are checked by /healthz; a nil or
// empty list means liveness-only.
func NewRouter(pingers ...Pinger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for _, p := range pingers {
			if err := p.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]string{"status": "degraded", "error": err.Error()}
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
