// Package sweeper runs the periodic maintenance passes that keep the queue
// and record stores honest: reaping expired leases, expiring overdue
// notifications, and archiving old terminal records. Each pass is idempotent,
// so overlapping sweepers (e.g. during a rolling deploy) are harmless.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/repository"
)

// Config holds the sweeper's cadence and policy knobs.
type Config struct {
	// Interval between sweep cycles.
	Interval time.Duration
	// ReapThreshold is how long past lease expiry an entry must be before
	// ownership is reclaimed.
	ReapThreshold time.Duration
	// RedeliveryDelay is the extra visibility delay on reaped entries, so a
	// slow-but-alive owner does not instantly re-collide with the recovery.
	RedeliveryDelay time.Duration
	// Retention is how long terminal records stay in the hot table before
	// archival.
	Retention time.Duration
	// BatchSize caps records handled per expiry/archive pass.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ReapThreshold <= 0 {
		c.ReapThreshold = 10 * time.Second
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// Sweeper owns the three background maintenance passes.
type Sweeper struct {
	adapter queue.Adapter
	repo    repository.NotificationRepository
	cfg     Config
	logger  *zap.Logger

	// Hook for the lease-reap metric; nil-safe.
	OnReaped func(count int)
}

func New(adapter queue.Adapter, repo repository.NotificationRepository, cfg Config, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		adapter: adapter,
		repo:    repo,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Run ticks every interval and executes one sweep cycle. Blocks until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("retention", s.cfg.Retention),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs the three passes once. Each pass is independent: a failure in
// one is logged and does not block the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.reapLeases(ctx)
	s.expireOverdue(ctx)
	s.archiveTerminal(ctx)
}

func (s *Sweeper) reapLeases(ctx context.Context) {
	count, err := s.adapter.ReapExpiredLeases(ctx, s.cfg.ReapThreshold, s.cfg.RedeliveryDelay)
	if err != nil {
		s.logger.Error("lease reap failed", zap.Error(err))
		return
	}
	if count > 0 {
		s.logger.Warn("reaped expired leases", zap.Int("count", count))
		if s.OnReaped != nil {
			s.OnReaped(count)
		}
	}
}

func (s *Sweeper) expireOverdue(ctx context.Context) {
	overdue, err := s.repo.ListExpirable(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("expiry scan failed", zap.Error(err))
		return
	}

	expired := 0
	for _, n := range overdue {
		// Entry first: a record marked expired with a live queue entry would
		// still be claimable by a racing worker.
		if err := s.adapter.Remove(ctx, n.ID); err != nil {
			s.logger.Error("remove entry for expired notification failed",
				zap.String("id", n.ID), zap.Error(err))
			continue
		}
		if err := s.repo.MarkExpired(ctx, n.ID); err != nil {
			s.logger.Error("mark expired failed", zap.String("id", n.ID), zap.Error(err))
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired overdue notifications", zap.Int("count", expired))
	}
}

func (s *Sweeper) archiveTerminal(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	old, err := s.repo.ListArchivable(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("archive scan failed", zap.Error(err))
		return
	}
	if len(old) == 0 {
		return
	}

	ids := make([]string, 0, len(old))
	for _, n := range old {
		// Archival only ever touches terminal records.
		if n.Status.IsTerminal() {
			ids = append(ids, n.ID)
		}
	}

	archived, err := s.repo.Archive(ctx, ids)
	if err != nil {
		s.logger.Error("archive failed", zap.Error(err))
		return
	}
	s.logger.Info("archived terminal notifications", zap.Int("count", archived))
}
