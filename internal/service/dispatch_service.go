package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/repository"
)

// DispatchService is the public surface the orchestrator calls: submit,
// batch submit, status, cancel, and retry. All business rules (idempotency,
// the cancel state machine, batch limits) live here; HTTP handlers and
// workers depend on this service, not on each other.
type DispatchService struct {
	repo        repository.NotificationRepository
	adapter     queue.Adapter
	maxAttempts int
	logger      *zap.Logger
}

func NewDispatchService(
	repo repository.NotificationRepository,
	adapter queue.Adapter,
	maxAttempts int,
	logger *zap.Logger,
) *DispatchService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &DispatchService{
		repo:        repo,
		adapter:     adapter,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Submit validates and persists a single notification, then enqueues it
// unless it is scheduled for later.
//
// Idempotency: if an idempotency key was supplied and a notification with
// that key already exists, the existing record is returned as-is. The caller
// can distinguish a repeat by the second return value.
func (s *DispatchService) Submit(
	ctx context.Context,
	req domain.SubmitRequest,
	idempotencyKey string,
) (*domain.Notification, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	if idempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, idempotencyKey)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			return existing, true, nil // true = was a duplicate
		}
	}

	n := s.buildNotification(req, idempotencyKey, nil)

	if err := s.repo.Create(ctx, n); err != nil {
		// A concurrent submit with the same key can slip between the lookup
		// and the insert; the unique index converts that into a conflict we
		// resolve by returning the winner.
		if errors.Is(err, domain.ErrConflict) && idempotencyKey != "" {
			existing, lookupErr := s.repo.GetByIdempotencyKey(ctx, idempotencyKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("persist notification: %w", err)
	}

	if err := s.enqueue(ctx, n, idempotencyKey); err != nil {
		return nil, false, err
	}
	return n, false, nil
}

// BatchSubmit validates and creates up to 1000 notifications in a single
// transaction, then enqueues them all.
func (s *DispatchService) BatchSubmit(
	ctx context.Context,
	requests []domain.SubmitRequest,
) (string, []*domain.Notification, error) {
	if len(requests) == 0 {
		return "", nil, domain.ErrBatchEmpty
	}
	if len(requests) > 1000 {
		return "", nil, domain.ErrBatchTooLarge
	}

	batchID := uuid.New().String()
	now := time.Now().UTC()

	notifications := make([]*domain.Notification, len(requests))
	for i, req := range requests {
		if err := req.Validate(); err != nil {
			return "", nil, fmt.Errorf("item %d: %w", i, err)
		}
		notifications[i] = s.buildNotification(req, "", &batchID)
		notifications[i].CreatedAt = now
		notifications[i].UpdatedAt = now
	}

	if err := s.repo.CreateBatch(ctx, batchID, notifications); err != nil {
		return "", nil, fmt.Errorf("persist batch: %w", err)
	}

	for _, n := range notifications {
		if err := s.enqueue(ctx, n, ""); err != nil {
			// The record exists; a missed enqueue is recoverable by retry.
			s.logger.Error("batch enqueue failed",
				zap.String("id", n.ID), zap.Error(err))
		}
	}

	return batchID, notifications, nil
}

// GetStatus returns the latest known state of a notification, including
// attempt count and last error.
func (s *DispatchService) GetStatus(ctx context.Context, id string) (*domain.Notification, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *DispatchService) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error) {
	return s.repo.List(ctx, filter)
}

func (s *DispatchService) ListByBatch(ctx context.Context, batchID string) ([]*domain.Notification, error) {
	return s.repo.ListByBatch(ctx, batchID)
}

// Cancel applies the cancellation state machine:
//
//	pending/queued → cancelled now, queue entry removed
//	processing     → cancel requested; takes effect only if the in-flight
//	                 attempt fails (a possibly-delivered send is never
//	                 interrupted mid-call)
//	terminal       → rejected
func (s *DispatchService) Cancel(ctx context.Context, id string) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch n.Status {
	case domain.StatusCancelled:
		return domain.ErrAlreadyCancelled
	case domain.StatusSent, domain.StatusFailed, domain.StatusExpired:
		return domain.ErrNotCancellable
	case domain.StatusProcessing:
		return s.repo.RequestCancel(ctx, id)
	}

	if err := s.adapter.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove queue entry: %w", err)
	}
	return s.repo.MarkCancelled(ctx, id)
}

// Retry re-enqueues a failed (including dead-lettered) notification with a
// fresh attempt budget. Operator-facing; the automatic retry path never goes
// through here.
func (s *DispatchService) Retry(ctx context.Context, id string) (*domain.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != domain.StatusFailed {
		return nil, domain.ErrNotRetryable
	}

	if _, err := s.adapter.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: n.ID,
		Priority:       n.Priority.Ordinal(),
		VisibleAt:      time.Now().UTC(),
		MaxAttempts:    s.maxAttempts,
	}); err != nil {
		return nil, fmt.Errorf("re-enqueue: %w", err)
	}

	// Enqueue already moved the record to queued; a second MarkQueued here
	// could race a worker that claims the fresh entry immediately.
	n.Status = domain.StatusQueued
	return n, nil
}

// ---- private helpers ----

func (s *DispatchService) buildNotification(
	req domain.SubmitRequest,
	idempotencyKey string,
	batchID *string,
) *domain.Notification {
	now := time.Now().UTC()

	n := &domain.Notification{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		Channel:     req.Channel,
		Recipient:   req.Recipient,
		Content:     req.Content,
		Priority:    req.Priority,
		Status:      domain.StatusPending,
		MaxAttempts: s.maxAttempts,
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if idempotencyKey != "" {
		n.IdempotencyKey = &idempotencyKey
	}

	return n
}

// enqueue creates the queue entry for a record. Scheduled notifications get a
// future visibility time and stay pending until it passes; immediate ones
// become claimable (and show as queued) right away.
func (s *DispatchService) enqueue(ctx context.Context, n *domain.Notification, dedupKey string) error {
	visibleAt := time.Now().UTC()
	if n.ScheduledAt != nil && n.ScheduledAt.After(visibleAt) {
		visibleAt = *n.ScheduledAt
	}

	if _, err := s.adapter.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: n.ID,
		Priority:       n.Priority.Ordinal(),
		VisibleAt:      visibleAt,
		MaxAttempts:    n.MaxAttempts,
		DedupKey:       dedupKey,
	}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	if n.ScheduledAt == nil || !n.ScheduledAt.After(time.Now().UTC()) {
		n.Status = domain.StatusQueued
	}
	return nil
}
