package handler

import (
	"net/http"
	"strconv"

	"github.com/notifyhub/dispatchd/internal/breaker"
	"github.com/notifyhub/dispatchd/internal/deadletter"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/repository"
)

// OpsHandler serves operational JSON snapshots: queue depths, circuit
// states, dead letters, and live worker heartbeats. Raw Prometheus metrics
// live at /metrics and are separate from these endpoints.
type OpsHandler struct {
	adapter  queue.Adapter
	breakers *breaker.Registry
	dlq      deadletter.Sink
	repo     repository.NotificationRepository
}

func NewOpsHandler(
	adapter queue.Adapter,
	breakers *breaker.Registry,
	dlq deadletter.Sink,
	repo repository.NotificationRepository,
) *OpsHandler {
	return &OpsHandler{adapter: adapter, breakers: breakers, dlq: dlq, repo: repo}
}

// QueueStats handles GET /api/v1/ops/queue.
func (h *OpsHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	depths, err := h.adapter.Depths(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read queue depths")
		return
	}
	oldest, err := h.adapter.OldestVisibleAge(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read queue age")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"depth": map[string]int{
			"urgent": depths.Urgent,
			"high":   depths.High,
			"normal": depths.Normal,
			"low":    depths.Low,
			"total":  depths.Total(),
		},
		"oldest_visible_age_seconds": oldest.Seconds(),
	})
}

// Breakers handles GET /api/v1/ops/breakers.
func (h *OpsHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"circuits": h.breakers.Snapshots(),
	})
}

// DeadLetters handles GET /api/v1/ops/dead-letters.
func (h *OpsHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	entries, err := h.dlq.List(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	total, err := h.dlq.Count(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count dead letters")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"entries": entries,
	})
}

// Workers handles GET /api/v1/ops/workers.
func (h *OpsHandler) Workers(w http.ResponseWriter, r *http.Request) {
	heartbeats, err := h.repo.ListHeartbeats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"workers": heartbeats,
	})
}
