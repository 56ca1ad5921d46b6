package deadletter

import (
	"context"
	"sync"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// MemorySink is the in-process Sink used with the in-memory queue backend
// and in tests.
type MemorySink struct {
	mu      sync.RWMutex
	entries []domain.DeadLetterEntry
	byID    map[string]struct{}
}

func NewMemorySink() *MemorySink {
	return &MemorySink{byID: make(map[string]struct{})}
}

func (s *MemorySink) Insert(_ context.Context, e domain.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[e.NotificationID]; dup {
		return nil
	}
	s.byID[e.NotificationID] = struct{}{}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) List(_ context.Context, limit int) ([]*domain.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*domain.DeadLetterEntry, 0, limit)
	// Newest first, matching the pg sink's ordering.
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		clone := s.entries[i]
		result = append(result, &clone)
	}
	return result, nil
}

func (s *MemorySink) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

var _ Sink = (*MemorySink)(nil)
