package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/breaker"
	"github.com/notifyhub/dispatchd/internal/deadletter"
	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/ratelimiter"
	"github.com/notifyhub/dispatchd/internal/repository"
	"github.com/notifyhub/dispatchd/internal/retrypolicy"
	"github.com/notifyhub/dispatchd/internal/sender"
	"github.com/notifyhub/dispatchd/internal/worker"
)

// stubSender scripts per-notification outcomes for one channel.
type stubSender struct {
	mu      sync.Mutex
	channel domain.Channel
	sendErr error
	sent    []string
}

func (s *stubSender) Channel() domain.Channel { return s.channel }
func (s *stubSender) ProviderID() string { return "stub:" + string(s.channel) }

func (s *stubSender) Send(_ context.Context, n *domain.Notification) (*sender.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sent = append(s.sent, n.ID)
	return &sender.Result{ProviderMsgID: "msg-" + n.ID}, nil
}

func (s *stubSender) ValidateRecipient(string) error { return nil }
func (s *stubSender) HealthCheck(context.Context) error { return nil }

func (s *stubSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

type harness struct {
	repo    *repository.MockNotificationRepository
	store   *queue.MemoryStore
	sink    *deadletter.MemorySink
	snd     *stubSender
	limiter ratelimiter.Limiter
	worker  *worker.Worker
}

func newHarness(t *testing.T, limits ratelimiter.Limits) *harness {
	t.Helper()
	h := &harness{
		repo: repository.NewMockNotificationRepository(),
		sink: deadletter.NewMemorySink(),
		snd:  &stubSender{channel: domain.ChannelSMS},
	}
	h.store = queue.NewMemoryStore(h.repo, h.sink)
	h.limiter = ratelimiter.NewLocalLimiter(limits)

	policy := retrypolicy.New(time.Millisecond, 2, 50*time.Millisecond, 2)
	policy.SetRand(func() float64 { return 0.5 })

	h.worker = worker.New(
		h.store,
		h.repo,
		sender.NewRegistry(h.snd),
		h.limiter,
		breaker.NewRegistry(breaker.Config{FailureThreshold: 1000}),
		policy,
		nil, // callbacks not under test
		worker.Config{
			Concurrency:       4,
			PollInterval:      5 * time.Millisecond,
			LeaseDuration:     time.Minute,
			HeartbeatInterval: 10 * time.Millisecond,
		},
		zap.NewNop(),
		worker.MetricHooks{},
	)
	return h
}

func (h *harness) submit(t *testing.T, maxAttempts int) string {
	t.Helper()
	ctx := context.Background()
	n := &domain.Notification{
		ID:          uuid.New().String(),
		Channel:     domain.ChannelSMS,
		Recipient:   "+15550001111",
		Content:     "hi",
		Priority:    domain.PriorityNormal,
		Status:      domain.StatusPending,
		MaxAttempts: maxAttempts,
	}
	if err := h.repo.Create(ctx, n); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Enqueue(ctx, queue.EnqueueRequest{
		NotificationID: n.ID,
		Priority:       n.Priority.Ordinal(),
		VisibleAt:      time.Now().UTC(),
		MaxAttempts:    maxAttempts,
	}); err != nil {
		t.Fatal(err)
	}
	return n.ID
}

// run drives the worker until check passes or the deadline expires.
func (h *harness) run(t *testing.T, check func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if check() {
			cancel()
			<-done
			return
		}
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (h *harness) status(t *testing.T, id string) domain.Status {
	t.Helper()
	n, err := h.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return n.Status
}

func TestWorker_DeliversAndAcks(t *testing.T) {
	h := newHarness(t, ratelimiter.Limits{})
	id := h.submit(t, 3)

	h.run(t, func() bool { return h.status(t, id) == domain.StatusSent })

	n, _ := h.repo.GetByID(context.Background(), id)
	if n.ProviderMsgID == nil || *n.ProviderMsgID != "msg-"+id {
		t.Fatalf("provider msg id = %v, want msg-%s", n.ProviderMsgID, id)
	}
	depths, _ := h.store.Depths(context.Background())
	if depths.Total() != 0 {
		t.Fatalf("queue depth = %d after ack, want 0", depths.Total())
	}
}

// TestWorker_RetryableFailureRequeuesThenSucceeds verifies a transient
// provider fault is retried and eventually delivered.
func TestWorker_RetryableFailureRequeuesThenSucceeds(t *testing.T) {
	h := newHarness(t, ratelimiter.Limits{})
	h.snd.fail(domain.NewSendError(domain.CategoryProvider, "upstream 503", nil))
	id := h.submit(t, 5)

	recovered := false
	h.run(t, func() bool {
		n, err := h.repo.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		if !recovered && n.AttemptCount >= 2 {
			h.snd.fail(nil)
			recovered = true
		}
		return n.Status == domain.StatusSent
	})

	n, _ := h.repo.GetByID(context.Background(), id)
	if n.AttemptCount < 2 {
		t.Fatalf("attempt count = %d, want at least 2", n.AttemptCount)
	}
}

// TestWorker_PermanentFailureIsTerminal verifies a permanent rejection fails
// immediately with no dead letter and no retries.
func TestWorker_PermanentFailureIsTerminal(t *testing.T) {
	h := newHarness(t, ratelimiter.Limits{})
	h.snd.fail(domain.NewSendError(domain.CategoryPermanent, "unknown recipient", nil))
	id := h.submit(t, 5)

	h.run(t, func() bool { return h.status(t, id) == domain.StatusFailed })

	n, _ := h.repo.GetByID(context.Background(), id)
	if n.AttemptCount != 1 {
		t.Fatalf("attempt count = %d for permanent failure, want 1", n.AttemptCount)
	}
	if count, _ := h.sink.Count(context.Background()); count != 0 {
		t.Fatalf("dead letters = %d for permanent failure, want 0", count)
	}
}

// TestWorker_ExhaustionDeadLetters verifies repeated transient failures end in
// the dead letter sink at exactly max attempts.
func TestWorker_ExhaustionDeadLetters(t *testing.T) {
	h := newHarness(t, ratelimiter.Limits{})
	h.snd.fail(domain.NewSendError(domain.CategoryProvider, "upstream 500", nil))
	id := h.submit(t, 2)

	h.run(t, func() bool {
		count, _ := h.sink.Count(context.Background())
		return count == 1
	})

	if got := h.status(t, id); got != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	letters, _ := h.sink.List(context.Background(), 10)
	if letters[0].AttemptCount != 2 {
		t.Fatalf("dead letter attempts = %d, want 2", letters[0].AttemptCount)
	}
}

// TestWorker_RateLimitDenialDoesNotBurnAttempts verifies rate-limited entries
// are requeued and delivered once the window refills, and denial itself never
// dead-letters a notification.
func TestWorker_RateLimitDenialRequeues(t *testing.T) {
	h := newHarness(t, ratelimiter.Limits{PerSecond: 1})

	ids := []string{h.submit(t, 10), h.submit(t, 10), h.submit(t, 10)}

	h.run(t, func() bool {
		for _, id := range ids {
			if h.status(t, id) != domain.StatusSent {
				return false
			}
		}
		return true
	})

	if count, _ := h.sink.Count(context.Background()); count != 0 {
		t.Fatalf("dead letters = %d under rate limiting, want 0", count)
	}
	if h.snd.sentCount() != 3 {
		t.Fatalf("sent %d, want 3", h.snd.sentCount())
	}
}

func TestWorker_HeartbeatRecorded(t *testing.T) {
	h := newHarness(t, ratelimiter.Limits{})

	h.run(t, func() bool {
		beats, _ := h.repo.ListHeartbeats(context.Background())
		return len(beats) == 1
	})

	beats, _ := h.repo.ListHeartbeats(context.Background())
	if beats[0].WorkerID != h.worker.ID() {
		t.Fatalf("heartbeat worker id = %s, want %s", beats[0].WorkerID, h.worker.ID())
	}
}
