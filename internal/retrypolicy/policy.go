// Package retrypolicy decides whether and when a failed delivery attempt is
// retried. Both functions are pure so workers on different machines reach the
// same verdict for the same inputs.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// Policy computes retry decisions from the error category and attempt number.
type Policy struct {
	// Base is the first-attempt delay before multipliers and jitter.
	Base time.Duration
	// ExponentCap bounds the exponent so delays stop doubling past it.
	ExponentCap int
	// MaxDelay is the absolute ceiling any computed delay is clamped to.
	MaxDelay time.Duration
	// RateLimitMultiplier stretches backoff for rate_limit errors, which
	// signal a window that plain exponential growth would re-enter too soon.
	RateLimitMultiplier float64

	// rand returns a uniform float64 in [0,1). Swappable in tests.
	rand func() float64
}

// New returns a policy with the given knobs. Zero values get defaults.
func New(base time.Duration, exponentCap int, maxDelay time.Duration, rateLimitMultiplier float64) *Policy {
	if base <= 0 {
		base = 2 * time.Second
	}
	if exponentCap <= 0 {
		exponentCap = 6
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Minute
	}
	if rateLimitMultiplier <= 1 {
		rateLimitMultiplier = 4
	}
	return &Policy{
		Base:                base,
		ExponentCap:         exponentCap,
		MaxDelay:            maxDelay,
		RateLimitMultiplier: rateLimitMultiplier,
		rand:                rand.Float64,
	}
}

// SetRand overrides the jitter source. Test hook.
func (p *Policy) SetRand(r func() float64) { p.rand = r }

// ShouldRetry reports whether the error category permits another attempt.
// Attempt exhaustion is not decided here (that is the queue adapter's call)
// so a true result only means "the category is not terminal".
func (p *Policy) ShouldRetry(err error) bool {
	return domain.Classify(err).Retryable()
}

// NextDelay computes the requeue delay for the given attempt (0-based count
// of completed attempts).
//
//	delay = base * 2^min(attempt, cap) * categoryMultiplier
//
// A downstream retry-after hint (rate-limit reset, circuit cooldown) takes
// precedence over the computed value. Full jitter draws uniformly from
// [0, delay] so a burst of simultaneous failures across workers does not
// re-converge into a synchronized retry storm.
func (p *Policy) NextDelay(attempt int, err error) time.Duration {
	if hint := domain.RetryAfterHint(err); hint > 0 {
		if hint > p.MaxDelay {
			return p.MaxDelay
		}
		return hint
	}

	exp := attempt
	if exp > p.ExponentCap {
		exp = p.ExponentCap
	}

	delay := p.Base << uint(exp)

	if domain.Classify(err) == domain.CategoryRateLimit {
		delay = time.Duration(float64(delay) * p.RateLimitMultiplier)
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return time.Duration(p.rand() * float64(delay))
}

// MaxDelayFor is NextDelay without jitter: the upper bound of the delay
// distribution for the given attempt and error. Used by tests and by
// operational tooling that reports worst-case requeue latency.
func (p *Policy) MaxDelayFor(attempt int, err error) time.Duration {
	if hint := domain.RetryAfterHint(err); hint > 0 {
		if hint > p.MaxDelay {
			return p.MaxDelay
		}
		return hint
	}
	exp := attempt
	if exp > p.ExponentCap {
		exp = p.ExponentCap
	}
	delay := p.Base << uint(exp)
	if domain.Classify(err) == domain.CategoryRateLimit {
		delay = time.Duration(float64(delay) * p.RateLimitMultiplier)
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
