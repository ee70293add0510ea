package handler

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	apimw "github.com/loghub/trace-relay/internal/api/middleware"
	"github.com/loghub/trace-relay/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// DeadLetterLister reads back dead-letter entries, newest first.
type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error)
}

// DeadLetterHandler exposes the dead-letter store read-only.
type DeadLetterHandler struct {
	lister DeadLetterLister
	logger *zap.Logger
}

func NewDeadLetterHandler(lister DeadLetterLister, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{lister: lister, logger: logger}
}

// List handles GET /api/v1/deadletters
//
// @Summary  Most recent dead-letter entries
// @Tags     deadletters
// @Produce  json
// @Param    limit  query     int  false  "Max entries (default 50, max 1000)"
// @Success  200    {object}  map[string]any
// @Failure  400    {object}  map[string]string
// @Router   /api/v1/deadletters [get]
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	entries, err := h.lister.List(r.Context(), limit)
	if err != nil {
		h.logger.Warn("list dead letters failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"count": len(entries),
	})
}
