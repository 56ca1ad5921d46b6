// Package sender defines the capability interface for channel senders and the
// lookup table workers resolve them through. One implementation exists per
// channel kind; selection is a map lookup, no hierarchy.
package sender

import (
	"context"
	"fmt"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// Result is a successful delivery acknowledgment.
type Result struct {
	ProviderMsgID string
}

// Sender delivers notifications for exactly one channel kind.
// Send failures must come back as classified *domain.SendError values so the
// retry policy and circuit breaker can act on the category.
type Sender interface {
	Channel() domain.Channel
	// ProviderID is the downstream identity used for rate-limit and circuit
	// breaker keying, e.g. "webhook:sms".
	ProviderID() string
	Send(ctx context.Context, n *domain.Notification) (*Result, error)
	ValidateRecipient(recipient string) error
	HealthCheck(ctx context.Context) error
}

// Registry maps channel kinds to their senders.
type Registry struct {
	senders map[domain.Channel]Sender
}

func NewRegistry(senders ...Sender) *Registry {
	m := make(map[domain.Channel]Sender, len(senders))
	for _, s := range senders {
		m[s.Channel()] = s
	}
	return &Registry{senders: m}
}

// Resolve returns the sender for a channel. A missing registration is a
// configuration fault, never retryable.
func (r *Registry) Resolve(ch domain.Channel) (Sender, error) {
	s, ok := r.senders[ch]
	if !ok {
		return nil, domain.NewSendError(domain.CategoryValidation,
			fmt.Sprintf("no sender registered for channel %q", ch), nil)
	}
	return s, nil
}

// All returns every registered sender, for health checks.
func (r *Registry) All() []Sender {
	out := make([]Sender, 0, len(r.senders))
	for _, s := range r.senders {
		out = append(out, s)
	}
	return out
}
