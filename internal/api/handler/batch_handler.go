package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/service"
)

// BatchHandler handles batch submission and lookup endpoints.
type BatchHandler struct {
	svc    *service.DispatchService
	logger *zap.Logger
}

func NewBatchHandler(svc *service.DispatchService, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, logger: logger}
}

// SubmitBatch handles POST /api/v1/notifications/batch. Up to 1000
// notifications are created in a single transaction; one invalid item
// rejects the whole batch.
func (h *BatchHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	batchID, notifications, err := h.svc.BatchSubmit(r.Context(), req.Notifications)
	if err != nil {
		h.logger.Warn("batch submit failed", zap.Error(err))
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"batch_id":      batchID,
		"count":         len(notifications),
		"notifications": notifications,
	})
}

// GetBatch handles GET /api/v1/batches/{id}.
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	notifications, err := h.svc.ListByBatch(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}

	counts := map[domain.Status]int{}
	for _, n := range notifications {
		counts[n.Status]++
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"batch_id":      id,
		"counts":        counts,
		"notifications": notifications,
	})
}
