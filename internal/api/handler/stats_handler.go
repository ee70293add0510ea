package handler

import (
	"net/http"

	"github.com/loghub/trace-relay/internal/queue"
	"github.com/loghub/trace-relay/internal/worker"
)

// StatsSource exposes the delivery counters.
type StatsSource interface {
	Stats() worker.Stats
}

// StatsHandler serves a human-readable JSON snapshot of relay progress.
// Raw Prometheus metrics are available at /metrics via promhttp.Handler
// and are separate from this endpoint.
type StatsHandler struct {
	stats StatsSource
	q     *queue.RelayQueue
}

func NewStatsHandler(stats StatsSource, q *queue.RelayQueue) *StatsHandler {
	return &StatsHandler{stats: stats, q: q}
}

// GetStats handles GET /api/v1/stats
//
// @Summary  Delivery counters and queue depth
// @Tags     metrics
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/stats [get]
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	s := h.stats.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"delivery":     s,
		"success_rate": s.SuccessRate(),
		"queue": map[string]int{
			"depth":    h.q.Len(),
			"capacity": h.q.Cap(),
		},
	})
}
