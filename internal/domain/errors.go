package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors used throughout the application.
// HTTP handlers translate these to status codes via a single mapError function.
var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict: idempotency key already exists")
	ErrInvalidChannel       = errors.New("invalid channel: must be sms, email, or push")
	ErrInvalidPriority      = errors.New("invalid priority: must be urgent, high, normal, or low")
	ErrInvalidRecipient     = errors.New("recipient must not be empty")
	ErrInvalidContent       = errors.New("content must be between 1 and 4096 characters")
	ErrExpiryBeforeSchedule = errors.New("expires_at must be after scheduled_at")
	ErrBatchTooLarge        = errors.New("batch exceeds maximum of 1000 notifications")
	ErrBatchEmpty           = errors.New("batch must contain at least one notification")
	ErrAlreadyCancelled     = errors.New("notification is already cancelled")
	ErrNotCancellable       = errors.New("notification cannot be cancelled in its current status")
	ErrNotRetryable         = errors.New("notification is not in a retryable terminal status")
)

// ErrorCategory classifies a send failure. The retry policy and circuit
// breaker both key off the category, never off the error text.
type ErrorCategory string

const (
	// CategoryValidation: malformed request. Never retried.
	CategoryValidation ErrorCategory = "validation"
	// CategoryPermanent: recipient provably invalid. Never retried.
	CategoryPermanent ErrorCategory = "permanent"
	// CategoryRateLimit: downstream throttled us. Retried with longer backoff.
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryProvider: downstream service error. Retried, feeds circuit breaker.
	CategoryProvider ErrorCategory = "provider"
	// CategoryTimeout: call deadline exceeded. Retried, feeds circuit breaker.
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryInternal: own-system fault. Retried a bounded number of times.
	CategoryInternal ErrorCategory = "internal"
)

// Retryable reports whether the category is ever eligible for retry,
// regardless of attempt count.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryValidation, CategoryPermanent:
		return false
	}
	return true
}

// FeedsBreaker reports whether failures in this category count against the
// downstream provider's circuit breaker. Validation and permanent errors say
// nothing about provider health; rate limits are handled by backoff alone.
func (c ErrorCategory) FeedsBreaker() bool {
	return c == CategoryProvider || c == CategoryTimeout
}

// SendError is a classified delivery failure. RetryAfter, when non-zero, is a
// downstream hint (rate-limit reset, circuit cooldown) that overrides the
// computed backoff delay.
type SendError struct {
	Category   ErrorCategory
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError builds a classified send failure.
func NewSendError(category ErrorCategory, message string, err error) *SendError {
	return &SendError{Category: category, Message: message, Err: err}
}

// Classify extracts the category from any error. Unclassified errors are
// treated as internal faults: retried a bounded number of times, then surfaced.
func Classify(err error) ErrorCategory {
	var se *SendError
	if errors.As(err, &se) {
		return se.Category
	}
	return CategoryInternal
}

// RetryAfterHint returns the downstream retry-after hint attached to err,
// or zero when none was provided.
func RetryAfterHint(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
