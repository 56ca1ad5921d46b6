package repository

import (
	"context"
	"sync"
	"time"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// MockNotificationRepository is a hand-written, in-memory implementation of
// NotificationRepository used in unit tests and as the record store behind the
// in-memory queue backend. No mock-generation library needed.
type MockNotificationRepository struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	heartbeats    map[string]*domain.WorkerHeartbeat
	archived      map[string]*domain.Notification

	// Optional error overrides, set in tests to simulate failure paths.
	CreateErr  error
	GetByIDErr error
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make(map[string]*domain.Notification),
		heartbeats:    make(map[string]*domain.WorkerHeartbeat),
		archived:      make(map[string]*domain.Notification),
	}
}

func (m *MockNotificationRepository) Create(_ context.Context, n *domain.Notification) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.IdempotencyKey != nil {
		for _, existing := range m.notifications {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return domain.ErrConflict
			}
		}
	}
	clone := *n
	m.notifications[n.ID] = &clone
	return nil
}

func (m *MockNotificationRepository) GetByID(_ context.Context, id string) (*domain.Notification, error) {
	if m.GetByIDErr != nil {
		return nil, m.GetByIDErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *n
	return &clone, nil
}

func (m *MockNotificationRepository) GetByIdempotencyKey(_ context.Context, key string) (*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.notifications {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			clone := *n
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockNotificationRepository) List(_ context.Context, _ domain.ListFilter) ([]*domain.Notification, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*domain.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		clone := *n
		result = append(result, &clone)
	}
	return result, len(result), nil
}

func (m *MockNotificationRepository) update(id string, fn func(n *domain.Notification)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		fn(n)
		n.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MockNotificationRepository) MarkQueued(_ context.Context, id string) error {
	return m.update(id, func(n *domain.Notification) {
		// failed is re-queueable through the manual retry path. processing is
		// not: an in-flight record may only move via the nack path, so a late
		// MarkQueued racing a claim is a no-op.
		switch n.Status {
		case domain.StatusPending, domain.StatusFailed:
			n.Status = domain.StatusQueued
		}
	})
}

func (m *MockNotificationRepository) MarkProcessing(_ context.Context, id string) error {
	return m.update(id, func(n *domain.Notification) {
		if n.Status == domain.StatusPending || n.Status == domain.StatusQueued {
			n.Status = domain.StatusProcessing
		}
	})
}

func (m *MockNotificationRepository) MarkSent(_ context.Context, id, providerMsgID string, sentAt time.Time) error {
	return m.update(id, func(n *domain.Notification) {
		if n.Status != domain.StatusProcessing {
			return
		}
		n.Status = domain.StatusSent
		n.ProviderMsgID = &providerMsgID
		n.SentAt = &sentAt
		n.LastError = nil
	})
}

func (m *MockNotificationRepository) MarkFailed(_ context.Context, id string, attempts int, errMsg string) error {
	return m.update(id, func(n *domain.Notification) {
		if n.Status.IsTerminal() {
			return
		}
		now := time.Now().UTC()
		n.Status = domain.StatusFailed
		n.AttemptCount = attempts
		n.LastError = &errMsg
		n.FailedAt = &now
	})
}

func (m *MockNotificationRepository) MarkRequeued(_ context.Context, id string, attempts int, errMsg string) error {
	return m.update(id, func(n *domain.Notification) {
		if n.Status != domain.StatusProcessing {
			return
		}
		n.Status = domain.StatusQueued
		n.AttemptCount = attempts
		n.LastError = &errMsg
	})
}

func (m *MockNotificationRepository) MarkCancelled(_ context.Context, id string) error {
	return m.update(id, func(n *domain.Notification) {
		if !n.Status.IsTerminal() {
			n.Status = domain.StatusCancelled
		}
	})
}

func (m *MockNotificationRepository) MarkExpired(_ context.Context, id string) error {
	return m.update(id, func(n *domain.Notification) {
		if n.Status == domain.StatusPending || n.Status == domain.StatusQueued {
			n.Status = domain.StatusExpired
		}
	})
}

func (m *MockNotificationRepository) RequestCancel(_ context.Context, id string) error {
	return m.update(id, func(n *domain.Notification) {
		if n.Status == domain.StatusProcessing {
			n.CancelRequested = true
		}
	})
}

func (m *MockNotificationRepository) CreateBatch(_ context.Context, _ string, notifications []*domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range notifications {
		clone := *n
		m.notifications[n.ID] = &clone
	}
	return nil
}

func (m *MockNotificationRepository) ListByBatch(_ context.Context, batchID string) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if n.BatchID != nil && *n.BatchID == batchID {
			clone := *n
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) ListExpirable(_ context.Context, now time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if len(result) >= limit {
			break
		}
		if (n.Status == domain.StatusPending || n.Status == domain.StatusQueued) &&
			n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			clone := *n
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) ListArchivable(_ context.Context, cutoff time.Time, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*domain.Notification
	for _, n := range m.notifications {
		if len(result) >= limit {
			break
		}
		if n.Status.IsTerminal() && !n.UpdatedAt.After(cutoff) {
			clone := *n
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (m *MockNotificationRepository) Archive(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	archived := 0
	for _, id := range ids {
		if n, ok := m.notifications[id]; ok {
			m.archived[id] = n
			delete(m.notifications, id)
			archived++
		}
	}
	return archived, nil
}

func (m *MockNotificationRepository) UpsertHeartbeat(_ context.Context, hb domain.WorkerHeartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := hb
	m.heartbeats[hb.WorkerID] = &clone
	return nil
}

func (m *MockNotificationRepository) ListHeartbeats(_ context.Context) ([]*domain.WorkerHeartbeat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var beats []*domain.WorkerHeartbeat
	for _, hb := range m.heartbeats {
		clone := *hb
		beats = append(beats, &clone)
	}
	return beats, nil
}

// SetUpdatedAt rewrites a record's UpdatedAt directly. Test helper for
// retention-window assertions.
func (m *MockNotificationRepository) SetUpdatedAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.UpdatedAt = at
	return nil
}

// Archived exposes the cold-storage map for sweeper tests.
func (m *MockNotificationRepository) Archived(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.archived[id]
	return ok
}

var _ NotificationRepository = (*MockNotificationRepository)(nil)
