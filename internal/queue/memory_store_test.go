package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/notifyhub/dispatchd/internal/deadletter"
	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/repository"
)

type fixture struct {
	store *queue.MemoryStore
	repo  *repository.MockNotificationRepository
	sink  *deadletter.MemorySink
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo: repository.NewMockNotificationRepository(),
		sink: deadletter.NewMemorySink(),
		now:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store = queue.NewMemoryStore(f.repo, f.sink)
	f.store.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

// seed creates a notification record and enqueues it, returning the IDs.
func (f *fixture) seed(t *testing.T, priority domain.Priority, maxAttempts int) (notifID, entryID string) {
	t.Helper()
	ctx := context.Background()
	n := &domain.Notification{
		ID:          uuid.New().String(),
		Channel:     domain.ChannelSMS,
		Recipient:   "+15550001111",
		Content:     "hello",
		Priority:    priority,
		Status:      domain.StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	if err := f.repo.Create(ctx, n); err != nil {
		t.Fatal(err)
	}
	eid, err := f.store.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: n.ID,
		Priority:       priority.Ordinal(),
		VisibleAt:      f.now,
		MaxAttempts:    maxAttempts,
	})
	if err != nil {
		t.Fatal(err)
	}
	return n.ID, eid
}

func (f *fixture) status(t *testing.T, notifID string) domain.Status {
	t.Helper()
	n, err := f.repo.GetByID(context.Background(), notifID)
	if err != nil {
		t.Fatal(err)
	}
	return n.Status
}

func TestMemoryStore_PriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lowID, _ := f.seed(t, domain.PriorityLow, 3)
	urgentID, _ := f.seed(t, domain.PriorityUrgent, 3)
	normalID, _ := f.seed(t, domain.PriorityNormal, 3)

	claimed, err := f.store.Dequeue(ctx, "w1", 3, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d entries, want 3", len(claimed))
	}
	want := []string{urgentID, normalID, lowID}
	for i, e := range claimed {
		if e.NotificationID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, e.NotificationID, want[i])
		}
	}
}

// TestMemoryStore_ConcurrentDequeueNoDoubleClaim verifies two claimants racing
// over one entry never both receive it.
func TestMemoryStore_ConcurrentDequeueNoDoubleClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const entries = 20
	for i := 0; i < entries; i++ {
		f.seed(t, domain.PriorityNormal, 3)
	}

	const workers = 8
	var mu sync.Mutex
	seen := make(map[string]string) // entry ID → claiming worker

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				claimed, err := f.store.Dequeue(ctx, owner, 3, time.Minute)
				if err != nil {
					t.Error(err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, e := range claimed {
					if prev, dup := seen[e.ID]; dup {
						t.Errorf("entry %s claimed by both %s and %s", e.ID, prev, owner)
					}
					seen[e.ID] = owner
				}
				mu.Unlock()
			}
		}(uuid.New().String())
	}
	wg.Wait()

	if len(seen) != entries {
		t.Fatalf("claimed %d distinct entries, want %d", len(seen), entries)
	}
}

func TestMemoryStore_AckDeletesAndMarksSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d, want 1", len(claimed))
	}

	if err := f.store.Ack(ctx, claimed[0].ID, "w1", "prov-123"); err != nil {
		t.Fatal(err)
	}

	if got := f.status(t, notifID); got != domain.StatusSent {
		t.Fatalf("status = %s, want sent", got)
	}
	depths, _ := f.store.Depths(ctx)
	if depths.Total() != 0 {
		t.Fatalf("queue depth = %d after ack, want 0", depths.Total())
	}
}

// TestMemoryStore_LateMarkQueuedCannotDragBackInFlightRecord verifies that a
// stray MarkQueued landing after a claim (a retry or enqueue racing the
// worker) leaves the record in processing, so the eventual ack still reaches
// sent instead of stranding it queued with no entry.
func TestMemoryStore_LateMarkQueuedCannotDragBackInFlightRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d, want 1", len(claimed))
	}
	if got := f.status(t, notifID); got != domain.StatusProcessing {
		t.Fatalf("status = %s after claim, want processing", got)
	}

	if err := f.repo.MarkQueued(ctx, notifID); err != nil {
		t.Fatal(err)
	}
	if got := f.status(t, notifID); got != domain.StatusProcessing {
		t.Fatalf("status = %s after late MarkQueued, want processing", got)
	}

	if err := f.store.Ack(ctx, claimed[0].ID, "w1", "prov-123"); err != nil {
		t.Fatal(err)
	}
	if got := f.status(t, notifID); got != domain.StatusSent {
		t.Fatalf("status = %s after ack, want sent", got)
	}
}

// TestMemoryStore_AckAfterLeaseExpiryFails verifies a worker that outlived its
// lease cannot ack, and the record is not marked sent.
func TestMemoryStore_AckAfterLeaseExpiryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, 30*time.Second)

	f.advance(31 * time.Second)

	err := f.store.Ack(ctx, claimed[0].ID, "w1", "prov-123")
	if !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("ack after expiry: got %v, want ErrLeaseLost", err)
	}
	if got := f.status(t, notifID); got == domain.StatusSent {
		t.Fatal("record must not be sent after a lost lease")
	}
}

func TestMemoryStore_AckWrongOwnerFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)

	if err := f.store.Ack(ctx, claimed[0].ID, "w2", "prov-123"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("foreign ack: got %v, want ErrLeaseLost", err)
	}
}

func TestMemoryStore_NackRequeuesWithDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)

	disp, err := f.store.Nack(ctx, claimed[0].ID, "w1", errors.New("502"), 10*time.Second, true)
	if err != nil {
		t.Fatal(err)
	}
	if disp != queue.DispositionRequeued {
		t.Fatalf("disposition = %s, want requeued", disp)
	}
	if got := f.status(t, notifID); got != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", got)
	}

	// The entry is invisible until the delay elapses.
	if claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute); len(claimed) != 0 {
		t.Fatal("entry claimable before its requeue delay elapsed")
	}
	f.advance(11 * time.Second)
	reclaimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)
	if len(reclaimed) != 1 {
		t.Fatal("entry not claimable after delay")
	}
	if reclaimed[0].AttemptCount != 1 {
		t.Fatalf("attempt count = %d after one nack, want 1", reclaimed[0].AttemptCount)
	}
}

// TestMemoryStore_DeadLetterOnExhaustion verifies the attempt accounting: an
// entry one failure short of the cap survives, the next failure dead-letters.
func TestMemoryStore_DeadLetterOnExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	cause := errors.New("upstream 500")

	// Two failing attempts leave attempt_count at 2 of 3: still queued.
	for i := 0; i < 2; i++ {
		claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: nothing claimable", i+1)
		}
		disp, err := f.store.Nack(ctx, claimed[0].ID, "w1", cause, 0, true)
		if err != nil {
			t.Fatal(err)
		}
		if disp != queue.DispositionRequeued {
			t.Fatalf("attempt %d: disposition = %s, want requeued", i+1, disp)
		}
	}

	// Third failure exhausts the budget.
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)
	disp, err := f.store.Nack(ctx, claimed[0].ID, "w1", cause, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if disp != queue.DispositionDeadLettered {
		t.Fatalf("final disposition = %s, want dead_lettered", disp)
	}
	if got := f.status(t, notifID); got != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}

	count, _ := f.sink.Count(ctx)
	if count != 1 {
		t.Fatalf("dead letter count = %d, want 1", count)
	}
	letters, _ := f.sink.List(ctx, 10)
	if letters[0].NotificationID != notifID || letters[0].AttemptCount != 3 {
		t.Fatalf("dead letter = %+v, want notification %s at 3 attempts", letters[0], notifID)
	}
}

// TestMemoryStore_NonRetryableFailsWithoutDeadLetter verifies a permanent
// rejection goes terminal immediately and never reaches the dead letter sink.
func TestMemoryStore_NonRetryableFailsWithoutDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)

	disp, err := f.store.Nack(ctx, claimed[0].ID, "w1", errors.New("invalid recipient"), 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if disp != queue.DispositionFailed {
		t.Fatalf("disposition = %s, want failed", disp)
	}
	if got := f.status(t, notifID); got != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if count, _ := f.sink.Count(ctx); count != 0 {
		t.Fatalf("dead letter count = %d, want 0 for non-retryable", count)
	}
}

func TestMemoryStore_NackHonorsCancelRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)

	if err := f.repo.RequestCancel(ctx, notifID); err != nil {
		t.Fatal(err)
	}

	disp, err := f.store.Nack(ctx, claimed[0].ID, "w1", errors.New("502"), 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if disp != queue.DispositionCancelled {
		t.Fatalf("disposition = %s, want cancelled", disp)
	}
	if got := f.status(t, notifID); got != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
}

func TestMemoryStore_DedupReturnsExistingEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)

	first, err := f.store.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: notifID,
		Priority:       1,
		VisibleAt:      f.now,
		MaxAttempts:    3,
		DedupKey:       "order-42",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.store.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: notifID,
		Priority:       1,
		VisibleAt:      f.now,
		MaxAttempts:    3,
		DedupKey:       "order-42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("dedup enqueue created a second entry: %s vs %s", first, second)
	}
}

// TestMemoryStore_ScheduledEntryInvisibleUntilDue verifies a future-visible
// entry cannot be claimed early and the record stays pending.
func TestMemoryStore_ScheduledEntryInvisibleUntilDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n := &domain.Notification{
		ID:          uuid.New().String(),
		Channel:     domain.ChannelEmail,
		Recipient:   "a@b.c",
		Content:     "later",
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusPending,
		MaxAttempts: 3,
	}
	_ = f.repo.Create(ctx, n)

	_, err := f.store.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: n.ID,
		Priority:       1,
		VisibleAt:      f.now.Add(time.Hour),
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := f.status(t, n.ID); got != domain.StatusPending {
		t.Fatalf("scheduled record status = %s, want pending", got)
	}
	if claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute); len(claimed) != 0 {
		t.Fatal("scheduled entry claimable before its time")
	}

	f.advance(time.Hour + time.Second)
	if claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute); len(claimed) != 1 {
		t.Fatal("scheduled entry not claimable after its time")
	}
}

// TestMemoryStore_ReapRecoversCrashedWorker verifies an expired lease is
// reclaimed with exactly one charged attempt and a redelivery delay.
func TestMemoryStore_ReapRecoversCrashedWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "crashed", 1, 30*time.Second)

	// Lease expired 15s ago; threshold of 10s makes it reapable.
	f.advance(45 * time.Second)

	reaped, err := f.store.ReapExpiredLeases(ctx, 10*time.Second, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if reaped != 1 {
		t.Fatalf("reaped %d, want 1", reaped)
	}
	if got := f.status(t, notifID); got != domain.StatusQueued {
		t.Fatalf("status = %s, want queued after reap", got)
	}

	// The old owner's lease is gone for good.
	if err := f.store.Ack(ctx, claimed[0].ID, "crashed", "x"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("stale owner ack: got %v, want ErrLeaseLost", err)
	}

	// Redelivery delay applies before the entry is claimable again.
	if c, _ := f.store.Dequeue(ctx, "w2", 1, time.Minute); len(c) != 0 {
		t.Fatal("reaped entry claimable before redelivery delay")
	}
	f.advance(6 * time.Second)
	c, _ := f.store.Dequeue(ctx, "w2", 1, time.Minute)
	if len(c) != 1 {
		t.Fatal("reaped entry not claimable after redelivery delay")
	}
	if c[0].AttemptCount != 1 {
		t.Fatalf("attempt count = %d after reap, want exactly 1", c[0].AttemptCount)
	}
}

// TestMemoryStore_ReapExhaustedGoesToDeadLetter verifies a reap that consumes
// the final attempt dead-letters instead of requeueing.
func TestMemoryStore_ReapExhaustedGoesToDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 1)
	_, _ = f.store.Dequeue(ctx, "crashed", 1, 30*time.Second)

	f.advance(45 * time.Second)
	if _, err := f.store.ReapExpiredLeases(ctx, 10*time.Second, 5*time.Second); err != nil {
		t.Fatal(err)
	}

	if got := f.status(t, notifID); got != domain.StatusFailed {
		t.Fatalf("status = %s, want failed after exhausting reap", got)
	}
	if count, _ := f.sink.Count(ctx); count != 1 {
		t.Fatalf("dead letter count = %d, want 1", count)
	}
}

func TestMemoryStore_ExtendLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, domain.PriorityNormal, 3)
	claimed, _ := f.store.Dequeue(ctx, "w1", 1, 30*time.Second)

	if err := f.store.ExtendLease(ctx, claimed[0].ID, "w1", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	// The original lease would have expired here; the extension keeps it live.
	f.advance(45 * time.Second)
	if err := f.store.Ack(ctx, claimed[0].ID, "w1", "prov-1"); err != nil {
		t.Fatalf("ack within extended lease: %v", err)
	}

	if err := f.store.ExtendLease(ctx, claimed[0].ID, "w1", time.Minute); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("extend after ack: got %v, want ErrLeaseLost", err)
	}
}

func TestMemoryStore_RemoveOnlyUnclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notifID, _ := f.seed(t, domain.PriorityNormal, 3)

	claimed, _ := f.store.Dequeue(ctx, "w1", 1, time.Minute)
	if err := f.store.Remove(ctx, notifID); err != nil {
		t.Fatal(err)
	}
	// A leased entry is untouched; the in-flight attempt resolves it.
	if err := f.store.Ack(ctx, claimed[0].ID, "w1", "p"); err != nil {
		t.Fatalf("leased entry should survive Remove: %v", err)
	}

	otherID, _ := f.seed(t, domain.PriorityNormal, 3)
	if err := f.store.Remove(ctx, otherID); err != nil {
		t.Fatal(err)
	}
	depths, _ := f.store.Depths(ctx)
	if depths.Total() != 0 {
		t.Fatalf("depth = %d after removing unclaimed entry, want 0", depths.Total())
	}
}

func TestMemoryStore_DepthsAndOldestAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, domain.PriorityUrgent, 3)
	f.seed(t, domain.PriorityNormal, 3)
	f.seed(t, domain.PriorityNormal, 3)

	f.advance(20 * time.Second)

	depths, err := f.store.Depths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depths.Urgent != 1 || depths.Normal != 2 || depths.Total() != 3 {
		t.Fatalf("depths = %+v, want urgent=1 normal=2", depths)
	}

	age, err := f.store.OldestVisibleAge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if age != 20*time.Second {
		t.Fatalf("oldest age = %s, want 20s", age)
	}
}
