package handler

import "net/http"

// LivenessProbe reports whether the delivery worker is still running.
type LivenessProbe interface {
	Alive() bool
}

// HealthHandler serves the liveness probe endpoint.
type HealthHandler struct {
	probe LivenessProbe
}

func NewHealthHandler(probe LivenessProbe) *HealthHandler { return &HealthHandler{probe: probe} }

// Health handles GET /health
//
// @Summary  Liveness probe
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.probe.Alive() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "delivery worker not running"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
