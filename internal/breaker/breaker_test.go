package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/notifyhub/dispatchd/internal/breaker"
)

func newRegistry(cfg breaker.Config) (*breaker.Registry, *time.Time) {
	r := breaker.NewRegistry(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return now })
	return r, &now
}

func TestBreaker_TripsOnFailureCount(t *testing.T) {
	r, _ := newRegistry(breaker.Config{FailureThreshold: 3})

	for i := 0; i < 3; i++ {
		if err := r.Allow("sms:acme"); err != nil {
			t.Fatalf("allow %d: unexpected rejection: %v", i, err)
		}
		r.Failure("sms:acme")
	}

	if got := r.StateOf("sms:acme"); got != breaker.StateOpen {
		t.Fatalf("after %d failures state = %s, want open", 3, got)
	}
	err := r.Allow("sms:acme")
	if !breaker.IsOpen(err) {
		t.Fatalf("expected circuit-open rejection, got %v", err)
	}
}

// TestBreaker_TripsOnFailureRate verifies the rate trip fires below the
// absolute threshold once enough samples accumulate.
func TestBreaker_TripsOnFailureRate(t *testing.T) {
	r, _ := newRegistry(breaker.Config{
		FailureThreshold: 100, // out of reach: only the rate can trip
		FailureRate:      0.5,
		MinSamples:       10,
	})

	for i := 0; i < 10; i++ {
		if err := r.Allow("email:acme"); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if i%2 == 1 {
			r.Failure("email:acme")
		} else {
			r.Success("email:acme")
		}
	}

	if got := r.StateOf("email:acme"); got != breaker.StateOpen {
		t.Fatalf("state = %s, want open at 50%% failure over 10 samples", got)
	}
}

func TestBreaker_RateNeedsMinSamples(t *testing.T) {
	r, _ := newRegistry(breaker.Config{
		FailureThreshold: 100,
		FailureRate:      0.5,
		MinSamples:       10,
	})

	// Two calls, both failures: 100% rate but far below the sample floor.
	for i := 0; i < 2; i++ {
		_ = r.Allow("push:acme")
		r.Failure("push:acme")
	}
	if got := r.StateOf("push:acme"); got != breaker.StateClosed {
		t.Fatalf("state = %s, want closed below min samples", got)
	}
}

// TestBreaker_CooldownAdmitsProbe verifies an open circuit moves to half_open
// after the cooldown, not straight back to closed.
func TestBreaker_CooldownAdmitsProbe(t *testing.T) {
	r, now := newRegistry(breaker.Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})

	_ = r.Allow("sms:acme")
	r.Failure("sms:acme")

	if err := r.Allow("sms:acme"); !breaker.IsOpen(err) {
		t.Fatalf("during cooldown: expected rejection, got %v", err)
	}

	*now = now.Add(31 * time.Second)
	if err := r.Allow("sms:acme"); err != nil {
		t.Fatalf("after cooldown: expected probe admission, got %v", err)
	}
	if got := r.StateOf("sms:acme"); got != breaker.StateHalfOpen {
		t.Fatalf("state = %s, want half_open after cooldown", got)
	}

	// Only one probe is admitted until an outcome is reported.
	if err := r.Allow("sms:acme"); !breaker.IsOpen(err) {
		t.Fatalf("second concurrent probe should be rejected, got %v", err)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r, now := newRegistry(breaker.Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})

	_ = r.Allow("sms:acme")
	r.Failure("sms:acme")
	*now = now.Add(31 * time.Second)
	_ = r.Allow("sms:acme")

	r.Failure("sms:acme")

	if got := r.StateOf("sms:acme"); got != breaker.StateOpen {
		t.Fatalf("state = %s, want open after half_open failure", got)
	}
	if err := r.Allow("sms:acme"); !breaker.IsOpen(err) {
		t.Fatalf("expected rejection after reopen, got %v", err)
	}
}

func TestBreaker_ConsecutiveSuccessesClose(t *testing.T) {
	r, now := newRegistry(breaker.Config{
		FailureThreshold:    1,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxProbes:   4,
		CloseAfterSuccesses: 3,
	})

	_ = r.Allow("sms:acme")
	r.Failure("sms:acme")
	*now = now.Add(31 * time.Second)

	for i := 0; i < 3; i++ {
		if err := r.Allow("sms:acme"); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
		r.Success("sms:acme")
	}

	if got := r.StateOf("sms:acme"); got != breaker.StateClosed {
		t.Fatalf("state = %s, want closed after consecutive successes", got)
	}
	if err := r.Allow("sms:acme"); err != nil {
		t.Fatalf("closed circuit should admit traffic, got %v", err)
	}
}

// TestBreaker_WindowRotationForgetsOldFailures verifies failures older than
// one window no longer count toward the trip thresholds.
func TestBreaker_WindowRotationForgetsOldFailures(t *testing.T) {
	r, now := newRegistry(breaker.Config{FailureThreshold: 3, Window: 30 * time.Second})

	for i := 0; i < 2; i++ {
		_ = r.Allow("sms:acme")
		r.Failure("sms:acme")
	}

	*now = now.Add(31 * time.Second)

	// One more failure in the fresh window: 1 < 3, still closed.
	_ = r.Allow("sms:acme")
	r.Failure("sms:acme")

	if got := r.StateOf("sms:acme"); got != breaker.StateClosed {
		t.Fatalf("state = %s, want closed after window rotation", got)
	}
}

func TestBreaker_ProvidersAreIndependent(t *testing.T) {
	r, _ := newRegistry(breaker.Config{FailureThreshold: 1})

	_ = r.Allow("sms:acme")
	r.Failure("sms:acme")

	if err := r.Allow("email:acme"); err != nil {
		t.Fatalf("unrelated provider rejected: %v", err)
	}
	if got := r.StateOf("email:acme"); got != breaker.StateClosed {
		t.Fatalf("unrelated provider state = %s, want closed", got)
	}
}

func TestBreaker_ErrOpenCarriesRetryAfter(t *testing.T) {
	r, now := newRegistry(breaker.Config{FailureThreshold: 1, OpenDuration: 30 * time.Second})

	_ = r.Allow("sms:acme")
	r.Failure("sms:acme")
	*now = now.Add(10 * time.Second)

	err := r.Allow("sms:acme")
	var eo *breaker.ErrOpen
	if !errors.As(err, &eo) {
		t.Fatalf("expected *ErrOpen, got %v", err)
	}
	if eo.RetryAfter != 20*time.Second {
		t.Fatalf("retry after = %s, want 20s remaining cooldown", eo.RetryAfter)
	}
}
