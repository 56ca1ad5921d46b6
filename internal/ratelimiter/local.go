package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter enforces per-window ceilings with in-process token buckets,
// one bucket per (provider, window). Burst equals the ceiling so no "saved
// up" capacity exists beyond the configured maximum.
//
// Correct only when a single process sends for each provider; multi-instance
// fleets need the Redis limiter.
type LocalLimiter struct {
	mu      sync.Mutex
	limits  Limits
	buckets map[string][]*rate.Limiter
}

func NewLocalLimiter(limits Limits) *LocalLimiter {
	return &LocalLimiter{
		limits:  limits,
		buckets: make(map[string][]*rate.Limiter),
	}
}

func (l *LocalLimiter) bucketsFor(provider string) []*rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[provider]; ok {
		return b
	}
	var b []*rate.Limiter
	if l.limits.PerSecond > 0 {
		b = append(b, rate.NewLimiter(rate.Limit(l.limits.PerSecond), l.limits.PerSecond))
	}
	if l.limits.PerMinute > 0 {
		b = append(b, rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.limits.PerMinute)), l.limits.PerMinute))
	}
	if l.limits.PerHour > 0 {
		b = append(b, rate.NewLimiter(rate.Every(time.Hour/time.Duration(l.limits.PerHour)), l.limits.PerHour))
	}
	l.buckets[provider] = b
	return b
}

func (l *LocalLimiter) Acquire(_ context.Context, provider string) (Decision, error) {
	// Reserve-then-cancel yields the exact wait time without consuming a
	// token on denial. All buckets must grant; the longest wait wins.
	buckets := l.bucketsFor(provider)
	reservations := make([]*rate.Reservation, 0, len(buckets))
	var worst time.Duration

	for _, b := range buckets {
		res := b.Reserve()
		if !res.OK() {
			worst = time.Second
			reservations = append(reservations, res)
			continue
		}
		if d := res.Delay(); d > worst {
			worst = d
		}
		reservations = append(reservations, res)
	}

	if worst > 0 {
		for _, res := range reservations {
			res.Cancel()
		}
		return Decision{Granted: false, RetryAfter: worst}, nil
	}
	return Decision{Granted: true}, nil
}

var _ Limiter = (*LocalLimiter)(nil)
