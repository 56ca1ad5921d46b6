// Package breaker isolates failing downstream providers. Each provider
// identity gets an independent three-state machine: closed (normal traffic),
// open (fail fast), half_open (bounded trial traffic).
//
// State is per-process. Workers on different machines converge on the same
// verdict within one rolling window of each other, which the design accepts
// in exchange for zero coordination cost on the hot path.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker mode for one provider.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while the circuit is open. It carries the
// remaining cooldown so the retry policy can requeue for exactly that long
// instead of guessing.
type ErrOpen struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit open for provider %s (retry after %s)", e.Provider, e.RetryAfter)
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	var eo *ErrOpen
	return errors.As(err, &eo)
}

// Config holds the trip and recovery thresholds.
type Config struct {
	// FailureThreshold trips the circuit on an absolute failure count within
	// the window. Catches high-volume partial degradation.
	FailureThreshold int
	// FailureRate trips the circuit when failures/total within the window
	// crosses this fraction, provided MinSamples calls were seen. Avoids
	// false trips on low-volume noise.
	FailureRate float64
	MinSamples  int
	// Window is the rolling interval failure counts are evaluated over.
	Window time.Duration
	// OpenDuration is the cooldown before an open circuit admits probes.
	OpenDuration time.Duration
	// HalfOpenMaxProbes caps concurrent half-open trial calls. Probe
	// allowance starts at 1 and doubles on success up to this cap.
	HalfOpenMaxProbes int
	// CloseAfterSuccesses is the consecutive half-open success count that
	// closes the circuit and resets all counters.
	CloseAfterSuccesses int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 4
	}
	if c.CloseAfterSuccesses <= 0 {
		c.CloseAfterSuccesses = 3
	}
	return c
}

// circuit is the state machine for a single provider identity.
type circuit struct {
	state          State
	openedAt       time.Time
	windowStart    time.Time
	failures       int
	total          int
	probeBudget    int // current half-open concurrency allowance
	probesInUse    int
	probeSuccess   int // consecutive half-open successes
	lastTransition time.Time
}

// Snapshot is the read-only view exposed to operational tooling.
type Snapshot struct {
	Provider       string    `json:"provider"`
	State          State     `json:"state"`
	Failures       int       `json:"window_failures"`
	Total          int       `json:"window_total"`
	LastTransition time.Time `json:"last_transition"`
}

// Registry keeps one circuit per provider identity.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit

	now func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*circuit),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the registry's time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) get(provider string) *circuit {
	c := r.circuits[provider]
	if c == nil {
		c = &circuit{state: StateClosed, probeBudget: 1, lastTransition: r.now()}
		r.circuits[provider] = c
	}
	return c
}

// Allow asks permission to call the provider. A nil return admits the call;
// the caller must report the outcome through Success or Failure. While open,
// Allow fails fast with *ErrOpen; callers must not busy-wait on it.
func (r *Registry) Allow(provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.get(provider)
	r.rotateWindow(c, now)

	switch c.state {
	case StateClosed:
		c.total++
		return nil
	case StateOpen:
		remaining := c.openedAt.Add(r.cfg.OpenDuration).Sub(now)
		if remaining > 0 {
			return &ErrOpen{Provider: provider, RetryAfter: remaining}
		}
		// Cooldown elapsed: admit bounded trial traffic.
		r.transition(c, StateHalfOpen, now)
		c.probeBudget = 1
		c.probesInUse = 1
		c.probeSuccess = 0
		return nil
	default: // half open
		if c.probesInUse >= c.probeBudget {
			remaining := r.cfg.OpenDuration // conservative hint while probing
			return &ErrOpen{Provider: provider, RetryAfter: remaining}
		}
		c.probesInUse++
		return nil
	}
}

// Success reports a completed call that succeeded.
func (r *Registry) Success(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.get(provider)

	if c.state != StateHalfOpen {
		return
	}
	if c.probesInUse > 0 {
		c.probesInUse--
	}
	c.probeSuccess++
	if c.probeSuccess >= r.cfg.CloseAfterSuccesses {
		r.transition(c, StateClosed, now)
		c.failures, c.total = 0, 0
		c.windowStart = now
		c.probeBudget = 1
		c.probesInUse = 0
		c.probeSuccess = 0
		return
	}
	// Geometric probe growth: each success doubles trial concurrency, capped.
	c.probeBudget *= 2
	if c.probeBudget > r.cfg.HalfOpenMaxProbes {
		c.probeBudget = r.cfg.HalfOpenMaxProbes
	}
}

// Failure reports a completed call that failed.
func (r *Registry) Failure(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.get(provider)
	r.rotateWindow(c, now)

	if c.state == StateHalfOpen {
		// Any failure while probing reverts immediately.
		r.transition(c, StateOpen, now)
		c.openedAt = now
		c.probesInUse = 0
		c.probeSuccess = 0
		return
	}

	c.failures++
	if c.total < c.failures {
		c.total = c.failures
	}

	tripOnCount := c.failures >= r.cfg.FailureThreshold
	tripOnRate := c.total >= r.cfg.MinSamples &&
		float64(c.failures)/float64(c.total) >= r.cfg.FailureRate

	if c.state == StateClosed && (tripOnCount || tripOnRate) {
		r.transition(c, StateOpen, now)
		c.openedAt = now
	}
}

// rotateWindow resets rolling counters once the window has fully elapsed.
func (r *Registry) rotateWindow(c *circuit, now time.Time) {
	if c.windowStart.IsZero() {
		c.windowStart = now
		return
	}
	if now.Sub(c.windowStart) >= r.cfg.Window {
		c.windowStart = now
		c.failures = 0
		c.total = 0
	}
}

func (r *Registry) transition(c *circuit, to State, now time.Time) {
	c.state = to
	c.lastTransition = now
}

// StateOf returns the current state for one provider (closed if unseen).
func (r *Registry) StateOf(provider string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[provider]
	if !ok {
		return StateClosed
	}
	// An open circuit past cooldown reports half_open readiness lazily; the
	// actual transition happens on the next Allow.
	return c.state
}

// Snapshots returns the per-provider view for the ops API and metrics.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := make([]Snapshot, 0, len(r.circuits))
	for provider, c := range r.circuits {
		snaps = append(snaps, Snapshot{
			Provider:       provider,
			State:          c.state,
			Failures:       c.failures,
			Total:          c.total,
			LastTransition: c.lastTransition,
		})
	}
	return snaps
}
