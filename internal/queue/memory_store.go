package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/dispatchd/internal/deadletter"
	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/repository"
)

// MemoryStore is the in-process, sorted-structure queue backend for
// high-throughput single-node deployments and tests.
//
// All operations serialize on one mutex, which is the in-process equivalent
// of the row lock the Postgres backend uses: a claim scan and its ownership
// write are indivisible, so two goroutines can never select the same entry.
// This backend cannot coordinate across OS processes; multi-process
// deployments must use the Postgres backend.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry  // by entry ID
	byDedup map[string]string  // dedup key → entry ID
	byNotif map[string]string  // notification ID → entry ID
	ordered []string           // entry IDs, kept sorted by (priority desc, visible_at asc)

	repo repository.NotificationRepository
	sink deadletter.Sink

	// now is swappable in tests to step through lease expiry.
	now func() time.Time
}

func NewMemoryStore(repo repository.NotificationRepository, sink deadletter.Sink) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		byDedup: make(map[string]string),
		byNotif: make(map[string]string),
		repo:    repo,
		sink:    sink,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStore) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	s.mu.Lock()

	if req.DedupKey != "" {
		if id, ok := s.byDedup[req.DedupKey]; ok {
			s.mu.Unlock()
			return id, nil
		}
	}

	now := s.now()
	e := &Entry{
		ID:             uuid.New().String(),
		NotificationID: req.NotificationID,
		Priority:       req.Priority,
		VisibleAt:      req.VisibleAt,
		AttemptCount:   0,
		MaxAttempts:    req.MaxAttempts,
		EnqueuedAt:     now,
	}
	if req.DedupKey != "" {
		key := req.DedupKey
		e.DedupKey = &key
		s.byDedup[key] = e.ID
	}
	s.entries[e.ID] = e
	s.byNotif[req.NotificationID] = e.ID
	s.insertOrdered(e.ID)
	visibleNow := !req.VisibleAt.After(now)
	s.mu.Unlock()

	if visibleNow {
		if err := s.repo.MarkQueued(ctx, req.NotificationID); err != nil {
			return "", err
		}
	}
	return e.ID, nil
}

// insertOrdered places id into the sorted slice. Caller holds the mutex.
func (s *MemoryStore) insertOrdered(id string) {
	e := s.entries[id]
	i := sort.Search(len(s.ordered), func(i int) bool {
		o := s.entries[s.ordered[i]]
		if o.Priority != e.Priority {
			return o.Priority < e.Priority
		}
		return o.VisibleAt.After(e.VisibleAt)
	})
	s.ordered = append(s.ordered, "")
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = id
}

func (s *MemoryStore) removeOrdered(id string) {
	for i, candidate := range s.ordered {
		if candidate == id {
			s.ordered = append(s.ordered[:i], s.ordered[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) Dequeue(ctx context.Context, ownerID string, maxCount int, leaseFor time.Duration) ([]*Entry, error) {
	s.mu.Lock()
	now := s.now()
	claimed := make([]*Entry, 0, maxCount)

	for _, id := range s.ordered {
		if len(claimed) >= maxCount {
			break
		}
		e := s.entries[id]
		if e.OwnerID != nil || e.VisibleAt.After(now) {
			continue
		}
		owner := ownerID
		lease := now.Add(leaseFor)
		e.OwnerID = &owner
		e.LeaseExpiresAt = &lease
		clone := *e
		claimed = append(claimed, &clone)
	}
	s.mu.Unlock()

	for _, e := range claimed {
		if err := s.repo.MarkProcessing(ctx, e.NotificationID); err != nil {
			return claimed, err
		}
	}
	return claimed, nil
}

// owned returns the live entry if it is currently leased by ownerID.
// Caller holds the mutex.
func (s *MemoryStore) owned(entryID, ownerID string) *Entry {
	e, ok := s.entries[entryID]
	if !ok || e.OwnerID == nil || *e.OwnerID != ownerID {
		return nil
	}
	if e.LeaseExpiresAt == nil || !e.LeaseExpiresAt.After(s.now()) {
		return nil
	}
	return e
}

func (s *MemoryStore) Ack(ctx context.Context, entryID, ownerID, providerMsgID string) error {
	s.mu.Lock()
	e := s.owned(entryID, ownerID)
	if e == nil {
		s.mu.Unlock()
		return ErrLeaseLost
	}
	s.drop(e)
	s.mu.Unlock()

	return s.repo.MarkSent(ctx, e.NotificationID, providerMsgID, s.now())
}

// drop removes an entry from every index. Caller holds the mutex.
func (s *MemoryStore) drop(e *Entry) {
	delete(s.entries, e.ID)
	delete(s.byNotif, e.NotificationID)
	if e.DedupKey != nil {
		delete(s.byDedup, *e.DedupKey)
	}
	s.removeOrdered(e.ID)
}

func (s *MemoryStore) Nack(ctx context.Context, entryID, ownerID string, cause error, delay time.Duration, retryable bool) (Disposition, error) {
	s.mu.Lock()
	e := s.owned(entryID, ownerID)
	if e == nil {
		s.mu.Unlock()
		return "", ErrLeaseLost
	}
	s.mu.Unlock()

	n, err := s.repo.GetByID(ctx, e.NotificationID)
	if err != nil {
		return "", err
	}

	attempts := e.AttemptCount + 1
	errMsg := cause.Error()

	disposition := DispositionRequeued
	switch {
	case n.CancelRequested:
		disposition = DispositionCancelled
	case !retryable:
		disposition = DispositionFailed
	case attempts >= e.MaxAttempts:
		disposition = DispositionDeadLettered
	}

	s.mu.Lock()
	// Re-check ownership: the lease may have been reaped while we read the record.
	if live := s.owned(entryID, ownerID); live == nil {
		s.mu.Unlock()
		return "", ErrLeaseLost
	}
	live := s.entries[entryID]
	if disposition == DispositionRequeued {
		live.OwnerID = nil
		live.LeaseExpiresAt = nil
		live.AttemptCount = attempts
		live.VisibleAt = s.now().Add(delay)
		live.LastError = &errMsg
		s.removeOrdered(live.ID)
		s.insertOrdered(live.ID)
	} else {
		s.drop(live)
	}
	s.mu.Unlock()

	switch disposition {
	case DispositionRequeued:
		return disposition, s.repo.MarkRequeued(ctx, e.NotificationID, attempts, errMsg)
	case DispositionCancelled:
		return disposition, s.repo.MarkCancelled(ctx, e.NotificationID)
	case DispositionDeadLettered:
		if err := s.sink.Insert(ctx, domain.DeadLetterEntry{
			NotificationID: n.ID,
			Channel:        n.Channel,
			Recipient:      n.Recipient,
			Content:        n.Content,
			Priority:       n.Priority,
			AttemptCount:   attempts,
			FinalError:     errMsg,
			FirstEnqueued:  e.EnqueuedAt,
			DeadLetteredAt: s.now(),
		}); err != nil {
			return "", err
		}
		return disposition, s.repo.MarkFailed(ctx, e.NotificationID, attempts, errMsg)
	default:
		return disposition, s.repo.MarkFailed(ctx, e.NotificationID, attempts, errMsg)
	}
}

func (s *MemoryStore) ExtendLease(_ context.Context, entryID, ownerID string, additional time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.owned(entryID, ownerID)
	if e == nil {
		return ErrLeaseLost
	}
	extended := e.LeaseExpiresAt.Add(additional)
	e.LeaseExpiresAt = &extended
	return nil
}

func (s *MemoryStore) ReapExpiredLeases(ctx context.Context, threshold, redeliveryDelay time.Duration) (int, error) {
	const reapError = "lease expired: worker presumed dead"

	s.mu.Lock()
	now := s.now()
	cutoff := now.Add(-threshold)

	type reapedEntry struct {
		notificationID string
		attempts       int
		exhausted      bool
		enqueuedAt     time.Time
	}
	var reaped []reapedEntry

	for _, e := range s.entries {
		if e.OwnerID == nil || e.LeaseExpiresAt == nil || e.LeaseExpiresAt.After(cutoff) {
			continue
		}
		attempts := e.AttemptCount + 1
		if attempts >= e.MaxAttempts {
			s.drop(e)
			reaped = append(reaped, reapedEntry{e.NotificationID, attempts, true, e.EnqueuedAt})
			continue
		}
		e.OwnerID = nil
		e.LeaseExpiresAt = nil
		e.AttemptCount = attempts
		e.VisibleAt = now.Add(redeliveryDelay)
		msg := reapError
		e.LastError = &msg
		s.removeOrdered(e.ID)
		s.insertOrdered(e.ID)
		reaped = append(reaped, reapedEntry{e.NotificationID, attempts, false, e.EnqueuedAt})
	}
	s.mu.Unlock()

	for _, r := range reaped {
		if !r.exhausted {
			if err := s.repo.MarkRequeued(ctx, r.notificationID, r.attempts, reapError); err != nil {
				return 0, err
			}
			continue
		}
		n, err := s.repo.GetByID(ctx, r.notificationID)
		if err == nil {
			_ = s.sink.Insert(ctx, domain.DeadLetterEntry{
				NotificationID: n.ID,
				Channel:        n.Channel,
				Recipient:      n.Recipient,
				Content:        n.Content,
				Priority:       n.Priority,
				AttemptCount:   r.attempts,
				FinalError:     reapError,
				FirstEnqueued:  r.enqueuedAt,
				DeadLetteredAt: s.now(),
			})
		}
		if err := s.repo.MarkFailed(ctx, r.notificationID, r.attempts, reapError); err != nil {
			return 0, err
		}
	}
	return len(reaped), nil
}

func (s *MemoryStore) Remove(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNotif[notificationID]
	if !ok {
		return nil
	}
	e := s.entries[id]
	if e.OwnerID != nil {
		return nil // leased entries resolve through ack/nack
	}
	s.drop(e)
	return nil
}

func (s *MemoryStore) Depths(_ context.Context) (Depths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var d Depths
	for _, e := range s.entries {
		if e.OwnerID != nil || e.VisibleAt.After(now) {
			continue
		}
		switch e.Priority {
		case 3:
			d.Urgent++
		case 2:
			d.High++
		case 1:
			d.Normal++
		default:
			d.Low++
		}
	}
	return d, nil
}

func (s *MemoryStore) OldestVisibleAge(_ context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var oldest *time.Time
	for _, e := range s.entries {
		if e.OwnerID != nil || e.VisibleAt.After(now) {
			continue
		}
		if oldest == nil || e.VisibleAt.Before(*oldest) {
			t := e.VisibleAt
			oldest = &t
		}
	}
	if oldest == nil {
		return 0, nil
	}
	return now.Sub(*oldest), nil
}

var _ Adapter = (*MemoryStore)(nil)
