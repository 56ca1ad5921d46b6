// Package deadletter holds terminal storage for notifications that exhausted
// their retry budget. Entries are append-only and independent of the queue
// store: once written they are read by operators, never mutated.
package deadletter

import (
	"context"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// Sink is the append-only dead letter store.
type Sink interface {
	Insert(ctx context.Context, entry domain.DeadLetterEntry) error
	List(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error)
	Count(ctx context.Context) (int, error)
}
