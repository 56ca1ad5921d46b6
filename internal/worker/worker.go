package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/breaker"
	"github.com/notifyhub/dispatchd/internal/domain"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/ratelimiter"
	"github.com/notifyhub/dispatchd/internal/repository"
	"github.com/notifyhub/dispatchd/internal/retrypolicy"
	"github.com/notifyhub/dispatchd/internal/sender"
)

// Config holds the per-worker runtime knobs.
type Config struct {
	// Concurrency bounds in-flight sends; the worker never holds more
	// claimed entries than this.
	Concurrency int
	// PollInterval is the sleep between empty dequeues.
	PollInterval time.Duration
	// LeaseDuration is requested on every dequeue.
	LeaseDuration time.Duration
	// HeartbeatInterval drives the liveness upsert.
	HeartbeatInterval time.Duration
}

// MetricHooks carries the metric callbacks injected by main.
// Using a struct keeps the worker constructor signature clean and the worker
// itself metrics-agnostic.
type MetricHooks struct {
	OnSent         func(channel domain.Channel, latency time.Duration)
	OnFailed       func(channel domain.Channel)
	OnDeadLettered func(channel domain.Channel)
}

func (h MetricHooks) withDefaults() MetricHooks {
	if h.OnSent == nil {
		h.OnSent = func(domain.Channel, time.Duration) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(domain.Channel) {}
	}
	if h.OnDeadLettered == nil {
		h.OnDeadLettered = func(domain.Channel) {}
	}
	return h
}

// claim tracks one in-flight entry so the lease-extension loop can keep its
// lease alive through long sends.
type claim struct {
	entry       *queue.Entry
	leaseExpiry time.Time
}

// Worker is a long-lived process participant: it polls the queue adapter,
// claims batches under lease, dispatches each entry through the rate limiter
// and circuit breaker to a channel sender, and resolves the outcome back into
// the adapter. Its identity is stable for the process lifetime.
type Worker struct {
	id        string
	hostname  string
	startedAt time.Time

	adapter   queue.Adapter
	repo      repository.NotificationRepository
	senders   *sender.Registry
	limiter   ratelimiter.Limiter
	breakers  *breaker.Registry
	policy    *retrypolicy.Policy
	callbacks *CallbackNotifier
	cfg       Config
	logger    *zap.Logger
	hooks     MetricHooks

	mu      sync.Mutex
	claimed map[string]*claim

	wg sync.WaitGroup
}

func New(
	adapter queue.Adapter,
	repo repository.NotificationRepository,
	senders *sender.Registry,
	limiter ratelimiter.Limiter,
	breakers *breaker.Registry,
	policy *retrypolicy.Policy,
	callbacks *CallbackNotifier,
	cfg Config,
	logger *zap.Logger,
	hooks MetricHooks,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}

	hostname, _ := os.Hostname()
	id := uuid.New().String()

	return &Worker{
		id:        id,
		hostname:  hostname,
		startedAt: time.Now().UTC(),
		adapter:   adapter,
		repo:      repo,
		senders:   senders,
		limiter:   limiter,
		breakers:  breakers,
		policy:    policy,
		callbacks: callbacks,
		cfg:       cfg,
		logger:    logger.With(zap.String("worker_id", id)),
		hooks:     hooks.withDefaults(),
		claimed:   make(map[string]*claim),
	}
}

// ID returns the worker's stable identity.
func (w *Worker) ID() string { return w.id }

// Run blocks until ctx is cancelled, then waits for in-flight sends to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("lease", w.cfg.LeaseDuration),
	)

	go w.leaseExtensionLoop(ctx)
	go w.heartbeatLoop(ctx)

	sem := make(chan struct{}, w.cfg.Concurrency)
	for {
		if ctx.Err() != nil {
			break
		}

		// Only claim what we have free slots for.
		free := w.cfg.Concurrency - w.claimedCount()
		if free <= 0 {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		entries, err := w.adapter.Dequeue(ctx, w.id, free, w.cfg.LeaseDuration)
		if err != nil {
			w.logger.Error("dequeue failed", zap.Error(err))
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if len(entries) == 0 {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		for _, e := range entries {
			w.track(e)
			sem <- struct{}{}
			w.wg.Add(1)
			go func(e *queue.Entry) {
				defer w.wg.Done()
				defer func() { <-sem }()
				defer w.untrack(e.ID)
				w.process(ctx, e)
			}(e)
		}
	}

	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (w *Worker) track(e *queue.Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	expiry := time.Now().UTC().Add(w.cfg.LeaseDuration)
	if e.LeaseExpiresAt != nil {
		expiry = *e.LeaseExpiresAt
	}
	w.claimed[e.ID] = &claim{entry: e, leaseExpiry: expiry}
}

func (w *Worker) untrack(entryID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.claimed, entryID)
}

func (w *Worker) claimedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.claimed)
}

// process runs the per-entry pipeline: resolve sender, acquire rate limit,
// breaker-wrapped send, then ack or classified nack. A lost lease at any step
// abandons the attempt (neither ack nor nack) and the entry self-recovers.
func (w *Worker) process(ctx context.Context, e *queue.Entry) {
	start := time.Now()
	log := w.logger.With(
		zap.String("entry_id", e.ID),
		zap.String("notification_id", e.NotificationID),
		zap.Int("attempt", e.AttemptCount),
	)

	n, err := w.repo.GetByID(ctx, e.NotificationID)
	if err != nil {
		w.resolveFailure(ctx, e, "", domain.NewSendError(domain.CategoryInternal, "load record", err), log)
		return
	}
	log = log.With(zap.String("channel", string(n.Channel)))

	snd, err := w.senders.Resolve(n.Channel)
	if err != nil {
		w.resolveFailure(ctx, e, string(n.Channel), err, log)
		return
	}
	providerID := snd.ProviderID()

	decision, err := w.limiter.Acquire(ctx, providerID)
	if err != nil {
		w.resolveFailure(ctx, e, providerID, domain.NewSendError(domain.CategoryInternal, "rate limiter unavailable", err), log)
		return
	}
	if !decision.Granted {
		se := domain.NewSendError(domain.CategoryRateLimit, "rate limit window exhausted", nil)
		se.RetryAfter = decision.RetryAfter
		w.resolveFailure(ctx, e, providerID, se, log)
		return
	}

	if err := w.breakers.Allow(providerID); err != nil {
		var open *breaker.ErrOpen
		errors.As(err, &open)
		se := domain.NewSendError(domain.CategoryProvider, "circuit open", err)
		if open != nil {
			se.RetryAfter = open.RetryAfter
		}
		// Rejected before the call: no breaker outcome to record.
		w.resolveFailure(ctx, e, providerID, se, log)
		return
	}

	result, err := snd.Send(ctx, n)
	if err != nil {
		// A validation or permanent rejection is a healthy provider saying
		// no; only provider faults and timeouts count against the circuit.
		if domain.Classify(err).FeedsBreaker() {
			w.breakers.Failure(providerID)
		} else {
			w.breakers.Success(providerID)
		}
		w.resolveFailure(ctx, e, providerID, err, log)
		return
	}
	w.breakers.Success(providerID)

	if err := w.adapter.Ack(ctx, e.ID, w.id, result.ProviderMsgID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			// Ownership lost mid-send (long pause, reap). The message may
			// have been delivered; at-least-once accepts the duplicate risk.
			log.Warn("lease lost before ack, abandoning attempt")
			return
		}
		log.Error("ack failed", zap.Error(err))
		return
	}

	elapsed := time.Since(start)
	w.hooks.OnSent(n.Channel, elapsed)
	w.callbacks.NotifyOutcome(n, domain.StatusSent, result.ProviderMsgID, "")
	log.Info("notification sent",
		zap.String("provider_msg_id", result.ProviderMsgID),
		zap.Duration("latency", elapsed),
	)
}

// resolveFailure converts any send-path error into a nack decision.
// Failures never propagate past the worker.
func (w *Worker) resolveFailure(ctx context.Context, e *queue.Entry, providerID string, cause error, log *zap.Logger) {
	category := domain.Classify(cause)
	retryable := w.policy.ShouldRetry(cause)
	delay := w.policy.NextDelay(e.AttemptCount, cause)

	disposition, err := w.adapter.Nack(ctx, e.ID, w.id, cause, delay, retryable)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("lease lost before nack, abandoning attempt")
			return
		}
		log.Error("nack failed", zap.Error(err))
		return
	}

	log.Warn("delivery attempt failed",
		zap.String("category", string(category)),
		zap.String("provider", providerID),
		zap.String("disposition", string(disposition)),
		zap.Duration("requeue_delay", delay),
		zap.Error(cause),
	)

	n, getErr := w.repo.GetByID(ctx, e.NotificationID)

	switch disposition {
	case queue.DispositionDeadLettered:
		if getErr == nil {
			w.hooks.OnDeadLettered(n.Channel)
			w.callbacks.NotifyOutcome(n, domain.StatusFailed, "", cause.Error())
		}
	case queue.DispositionFailed:
		if getErr == nil {
			w.hooks.OnFailed(n.Channel)
			w.callbacks.NotifyOutcome(n, domain.StatusFailed, "", cause.Error())
		}
	case queue.DispositionCancelled:
		if getErr == nil {
			w.callbacks.NotifyOutcome(n, domain.StatusCancelled, "", "")
		}
	}
}

// leaseExtensionLoop renews leases for claimed entries approaching expiry
// (under 40% of the lease duration remaining), so legitimate long sends are
// not reaped mid-flight.
func (w *Worker) leaseExtensionLoop(ctx context.Context) {
	interval := w.cfg.LeaseDuration / 5
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	threshold := time.Duration(float64(w.cfg.LeaseDuration) * 0.4)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		w.mu.Lock()
		var due []*claim
		for _, c := range w.claimed {
			if c.leaseExpiry.Sub(now) < threshold {
				due = append(due, c)
			}
		}
		w.mu.Unlock()

		for _, c := range due {
			err := w.adapter.ExtendLease(ctx, c.entry.ID, w.id, w.cfg.LeaseDuration)
			if err != nil {
				if !errors.Is(err, queue.ErrLeaseLost) && ctx.Err() == nil {
					w.logger.Error("lease extension failed",
						zap.String("entry_id", c.entry.ID), zap.Error(err))
				}
				continue
			}
			w.mu.Lock()
			if live, ok := w.claimed[c.entry.ID]; ok {
				live.leaseExpiry = live.leaseExpiry.Add(w.cfg.LeaseDuration)
			}
			w.mu.Unlock()
		}
	}
}

// heartbeatLoop upserts this worker's liveness row. A worker that stops
// beating is not reaped; only its leases expire and recover independently.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hb := domain.WorkerHeartbeat{
			WorkerID:     w.id,
			Hostname:     w.hostname,
			ClaimedCount: w.claimedCount(),
			LastBeatAt:   time.Now().UTC(),
			StartedAt:    w.startedAt,
		}
		if err := w.repo.UpsertHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
			w.logger.Warn("heartbeat upsert failed", zap.Error(err))
		}
	}
}
