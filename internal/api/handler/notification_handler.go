package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/dispatchd/internal/api/middleware"
	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/service"
)

// NotificationHandler handles single-notification endpoints.
type NotificationHandler struct {
	svc    *service.DispatchService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.DispatchService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// Submit handles POST /api/v1/notifications.
//
// A repeated X-Idempotency-Key returns the original notification with 200
// instead of creating a second record.
func (h *NotificationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n, duplicate, err := h.svc.Submit(r.Context(), req, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		h.logger.Warn("submit failed",
			zap.String("request_id", apimw.GetRequestID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, n)
}

// GetStatus handles GET /api/v1/notifications/{id}.
func (h *NotificationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// List handles GET /api/v1/notifications with filtering and pagination.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := parseListFilter(r)
	notifications, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  notifications,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// Cancel handles DELETE /api/v1/notifications/{id}.
//
// Cancelling an in-flight notification is best effort: the cancel request is
// recorded and honored if the delivery attempt fails, but an attempt that
// succeeds wins the race.
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retry handles POST /api/v1/notifications/{id}/retry. Only terminally
// failed notifications can be re-queued.
func (h *NotificationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, n)
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{Page: 1, Limit: 20}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	if ch := q.Get("channel"); ch != "" {
		c := domain.Channel(ch)
		filter.Channel = &c
	}
	if f := q.Get("from"); f != "" {
		if t, err := time.Parse(time.RFC3339, f); err == nil {
			filter.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}
	return filter
}
