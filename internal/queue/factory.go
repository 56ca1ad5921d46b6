package queue

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/dispatchd/internal/deadletter"
	"github.com/notifyhub/dispatchd/internal/repository"
)

// BuildAdapter selects the queue backend by name.
//
//	postgres: transactional store with cross-process mutual exclusion
//	memory:   sorted in-process store, single node only
//
// Live migration between backends is an operational procedure (drain one,
// point workers at the other), not something the adapter contract covers.
func BuildAdapter(
	backend string,
	pool *pgxpool.Pool,
	repo repository.NotificationRepository,
	sink deadletter.Sink,
) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "postgres", "postgresql":
		if pool == nil {
			return nil, fmt.Errorf("queue backend %q requires a database pool", backend)
		}
		return NewPgStore(pool), nil
	case "memory", "mem", "inmem":
		return NewMemoryStore(repo, sink), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", backend)
	}
}
