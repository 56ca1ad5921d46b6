package repository

import (
	"context"
	"time"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// NotificationRepository defines all persistence operations for the durable
// notification record and its operational side tables (heartbeats, archive).
// The pgx implementation is in pg_notification_repo.go.
// Tests use a hand-written mock (mock_notification_repo.go).
//
// Status mutations are expressed as intent methods (MarkSent, MarkRequeued, …)
// rather than a generic setter so the monotonic transition rules live in SQL
// guards, not scattered across callers.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error)

	MarkQueued(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string, providerMsgID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, errMsg string) error
	MarkRequeued(ctx context.Context, id string, attempts int, errMsg string) error
	MarkCancelled(ctx context.Context, id string) error
	MarkExpired(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error

	CreateBatch(ctx context.Context, batchID string, notifications []*domain.Notification) error
	ListByBatch(ctx context.Context, batchID string) ([]*domain.Notification, error)

	// ListExpirable returns non-terminal notifications whose expiry elapsed.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*domain.Notification, error)
	// ListArchivable returns terminal notifications untouched since cutoff.
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Notification, error)
	// Archive copies the given records to cold storage and deletes them from
	// the hot table only after the archive write is part of the same
	// transaction.
	Archive(ctx context.Context, ids []string) (int, error)

	UpsertHeartbeat(ctx context.Context, hb domain.WorkerHeartbeat) error
	ListHeartbeats(ctx context.Context) ([]*domain.WorkerHeartbeat, error)
}
