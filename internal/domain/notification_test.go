package domain_test

import (
	"strings"
	"testing"
	"time"

	"github.com/notifyhub/dispatchd/internal/domain"
)

func TestSubmitRequest_Validate(t *testing.T) {
	valid := domain.SubmitRequest{
		Channel:   domain.ChannelSMS,
		Recipient: "+905551234567",
		Content:   "Hello",
		Priority:  domain.PriorityNormal,
	}

	t.Run("valid request passes", func(t *testing.T) {
		if err := valid.Validate(); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("invalid channel", func(t *testing.T) {
		r := valid
		r.Channel = "fax"
		if err := r.Validate(); err != domain.ErrInvalidChannel {
			t.Fatalf("expected ErrInvalidChannel, got %v", err)
		}
	})

	t.Run("invalid priority", func(t *testing.T) {
		r := valid
		r.Priority = "asap"
		if err := r.Validate(); err != domain.ErrInvalidPriority {
			t.Fatalf("expected ErrInvalidPriority, got %v", err)
		}
	})

	t.Run("empty recipient", func(t *testing.T) {
		r := valid
		r.Recipient = ""
		if err := r.Validate(); err != domain.ErrInvalidRecipient {
			t.Fatalf("expected ErrInvalidRecipient, got %v", err)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		r := valid
		r.Content = ""
		if err := r.Validate(); err != domain.ErrInvalidContent {
			t.Fatalf("expected ErrInvalidContent, got %v", err)
		}
	})

	t.Run("content too long", func(t *testing.T) {
		r := valid
		r.Content = strings.Repeat("x", 4097)
		if err := r.Validate(); err != domain.ErrInvalidContent {
			t.Fatalf("expected ErrInvalidContent, got %v", err)
		}
	})

	t.Run("content at max length passes", func(t *testing.T) {
		r := valid
		r.Content = strings.Repeat("x", 4096)
		if err := r.Validate(); err != nil {
			t.Fatalf("expected no error at max length, got %v", err)
		}
	})

	t.Run("expiry before schedule", func(t *testing.T) {
		sched := time.Now().Add(time.Hour)
		exp := sched.Add(-time.Minute)
		r := valid
		r.ScheduledAt = &sched
		r.ExpiresAt = &exp
		if err := r.Validate(); err != domain.ErrExpiryBeforeSchedule {
			t.Fatalf("expected ErrExpiryBeforeSchedule, got %v", err)
		}
	})

	t.Run("expiry equal to schedule rejected", func(t *testing.T) {
		at := time.Now().Add(time.Hour)
		r := valid
		r.ScheduledAt = &at
		r.ExpiresAt = &at
		if err := r.Validate(); err != domain.ErrExpiryBeforeSchedule {
			t.Fatalf("expected ErrExpiryBeforeSchedule, got %v", err)
		}
	})

	t.Run("expiry after schedule passes", func(t *testing.T) {
		sched := time.Now().Add(time.Hour)
		exp := sched.Add(time.Minute)
		r := valid
		r.ScheduledAt = &sched
		r.ExpiresAt = &exp
		if err := r.Validate(); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("all valid channels accepted", func(t *testing.T) {
		for _, ch := range []domain.Channel{domain.ChannelSMS, domain.ChannelEmail, domain.ChannelPush} {
			r := valid
			r.Channel = ch
			if err := r.Validate(); err != nil {
				t.Fatalf("channel %q: expected no error, got %v", ch, err)
			}
		}
	})

	t.Run("all valid priorities accepted", func(t *testing.T) {
		for _, p := range []domain.Priority{domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
			r := valid
			r.Priority = p
			if err := r.Validate(); err != nil {
				t.Fatalf("priority %q: expected no error, got %v", p, err)
			}
		}
	})
}

func TestPriority_Ordinal(t *testing.T) {
	ordered := []domain.Priority{domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityUrgent}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Ordinal() <= ordered[i-1].Ordinal() {
			t.Fatalf("expected %q to outrank %q", ordered[i], ordered[i-1])
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []domain.Status{domain.StatusSent, domain.StatusFailed, domain.StatusCancelled, domain.StatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %q to be terminal", s)
		}
	}
	live := []domain.Status{domain.StatusPending, domain.StatusQueued, domain.StatusProcessing}
	for _, s := range live {
		if s.IsTerminal() {
			t.Fatalf("expected %q to be live", s)
		}
	}
}
