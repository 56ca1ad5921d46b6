// Package ratelimiter guards downstream providers against send-rate overruns.
// Workers acquire permission per provider identity before every send; an
// exhausted window yields an explicit retry-after signal, never an unbounded
// block.
package ratelimiter

import (
	"context"
	"time"
)

// Decision is the outcome of one acquire attempt.
type Decision struct {
	Granted bool
	// RetryAfter is the remaining window time when Granted is false.
	RetryAfter time.Duration
}

// Limits holds the per-window ceilings for a provider identity.
// A zero ceiling disables that window.
type Limits struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

// Limiter is the token-window guard shared by all workers for a provider.
//
// The distributed implementation (Redis) makes increment-and-compare a single
// atomic operation against the shared store, so two workers can never both
// observe "room available" and both proceed past the ceiling. The local
// implementation is only correct for single-process deployments.
type Limiter interface {
	Acquire(ctx context.Context, provider string) (Decision, error)
}
