package queue

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is the precondition-violation signal returned when an operation
// references an entry the caller no longer owns: the lease expired, the entry
// was reaped, or it never existed. Callers must abandon the in-flight attempt
// (neither ack nor nack) and let the entry self-recover via lease expiry.
var ErrLeaseLost = errors.New("queue: lease lost or entry not owned by caller")

// Entry is the mutable scheduling state of one not-yet-terminal notification.
// It lives in the queue store, decoupled from the durable record so hot
// mutation traffic never bloats the historical table.
type Entry struct {
	ID             string
	NotificationID string
	Priority       int // ordinal, higher dequeues first
	VisibleAt      time.Time
	OwnerID        *string
	LeaseExpiresAt *time.Time
	AttemptCount   int
	MaxAttempts    int
	DedupKey       *string
	LastError      *string
	EnqueuedAt     time.Time
}

// EnqueueRequest carries everything needed to create a queue entry.
type EnqueueRequest struct {
	NotificationID string
	Priority       int
	VisibleAt      time.Time
	MaxAttempts    int
	// DedupKey, when non-empty, makes the enqueue idempotent: a collision with
	// an existing non-terminal entry returns that entry's ID instead of
	// creating a duplicate.
	DedupKey string
}

// Disposition is the outcome the adapter chose for a nacked entry.
type Disposition string

const (
	DispositionRequeued     Disposition = "requeued"
	DispositionDeadLettered Disposition = "dead_lettered"
	DispositionFailed       Disposition = "failed"
	DispositionCancelled    Disposition = "cancelled"
)

// Depths is a per-priority snapshot of currently queued (unclaimed) entries.
type Depths struct {
	Urgent int `json:"urgent"`
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

func (d Depths) Total() int { return d.Urgent + d.High + d.Normal + d.Low }

// Adapter is the single owner of queue-entry mutation. Workers request
// operations through it and never touch the backing store directly.
//
// Dequeue is the one cross-process serialization point in the system: no two
// concurrent callers may ever receive the same entry while both leases are
// unexpired. Implementations must use the backing store's native atomic claim
// primitive, not application-level locking.
type Adapter interface {
	// Enqueue creates a queue entry (or returns the existing one on a dedup
	// collision) and moves the record to queued.
	Enqueue(ctx context.Context, req EnqueueRequest) (entryID string, err error)

	// Dequeue atomically claims up to maxCount entries that are pending and
	// visible, ordered by priority then visibility time, marking each with
	// ownerID and a lease of leaseFor. Claimed records move to processing.
	Dequeue(ctx context.Context, ownerID string, maxCount int, leaseFor time.Duration) ([]*Entry, error)

	// Ack deletes the entry and marks the record sent with the provider's
	// message reference, both effects atomic. Fails with ErrLeaseLost if the
	// caller no longer owns the entry.
	Ack(ctx context.Context, entryID, ownerID, providerMsgID string) error

	// Nack resolves a failed attempt. The adapter increments the attempt
	// count and decides the disposition: requeue with visible_at = now+delay,
	// dead-letter on attempt exhaustion, terminal failure for non-retryable
	// causes, or cancellation if a cancel was requested mid-flight.
	// Fails with ErrLeaseLost if the caller no longer owns the entry.
	Nack(ctx context.Context, entryID, ownerID string, cause error, delay time.Duration, retryable bool) (Disposition, error)

	// ExtendLease pushes the lease expiry out by additional. Fails with
	// ErrLeaseLost if the lease already expired or is owned by someone else.
	ExtendLease(ctx context.Context, entryID, ownerID string, additional time.Duration) error

	// ReapExpiredLeases returns entries whose lease expired more than
	// threshold ago to pending, adding redeliveryDelay to their visibility so
	// a recovering owner does not instantly re-collide. Entries whose attempt
	// budget is exhausted go to the dead letter sink instead.
	ReapExpiredLeases(ctx context.Context, threshold, redeliveryDelay time.Duration) (int, error)

	// Remove deletes the entry for a notification if it is not currently
	// leased. Used by cancellation and expiry.
	Remove(ctx context.Context, notificationID string) error

	// Depths reports queued entries per priority.
	Depths(ctx context.Context) (Depths, error)

	// OldestVisibleAge is how long the oldest currently claimable entry has
	// been visible. Zero when the queue is empty.
	OldestVisibleAge(ctx context.Context) (time.Duration, error)
}
