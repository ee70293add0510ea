package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loghub/trace-relay/internal/api/handler"
	apimw "github.com/loghub/trace-relay/internal/api/middleware"
	"github.com/loghub/trace-relay/internal/queue"
)

// Deps are the read-only views the admin surface needs.
type Deps struct {
	Probe       handler.LivenessProbe
	Stats       handler.StatsSource
	Queue       *queue.RelayQueue
	DeadLetters handler.DeadLetterLister // optional
	Gatherer    prometheus.Gatherer
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer) // recover panics, return 500
	r.Use(chimw.RealIP)    // trust X-Forwarded-For / X-Real-IP
	r.Use(apimw.CorrelationID)
	r.Use(apimw.RequestLogger(logger))

	hh := handler.NewHealthHandler(d.Probe)
	sh := handler.NewStatsHandler(d.Stats, d.Queue)

	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", sh.GetStats)
		if d.DeadLetters != nil {
			dh := handler.NewDeadLetterHandler(d.DeadLetters, logger)
			r.Get("/deadletters", dh.List)
		}
	})

	return r
}
