package domain

import "time"

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// Priority controls queue ordering. Urgent is claimed first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Ordinal maps a priority to its queue sort key. Higher dequeues first.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Status tracks the lifecycle of a notification.
// Transitions are monotonic along pending → queued → processing → terminal;
// the only backward edge is processing → queued (requeue after a failed attempt).
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether a record in this status is immutable
// (except for archival).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Notification is the canonical durable record. The queue entry that drives
// delivery lives in the queue store and references this record by ID, so the
// hot scheduling churn never touches this table.
type Notification struct {
	ID              string     `json:"id"`
	BatchID         *string    `json:"batch_id,omitempty"`
	Channel         Channel    `json:"channel"`
	Recipient       string     `json:"recipient"`
	Content         string     `json:"content"`
	Priority        Priority   `json:"priority"`
	Status          Status     `json:"status"`
	IdempotencyKey  *string    `json:"idempotency_key,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CallbackURL     *string    `json:"callback_url,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	ProviderMsgID   *string    `json:"provider_message_id,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DeadLetterEntry is the immutable snapshot written when a notification
// exhausts its retry budget. Created once, read by operators, never mutated.
type DeadLetterEntry struct {
	NotificationID string    `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	Recipient      string    `json:"recipient"`
	Content        string    `json:"content"`
	Priority       Priority  `json:"priority"`
	AttemptCount   int       `json:"attempt_count"`
	FinalError     string    `json:"final_error"`
	FirstEnqueued  time.Time `json:"first_enqueued_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// WorkerHeartbeat is the liveness row each worker upserts on a timer.
// Operational tooling reads the table to detect dead workers; a worker that
// stops heartbeating is not reaped directly; only its leases expire.
type WorkerHeartbeat struct {
	WorkerID     string    `json:"worker_id"`
	Hostname     string    `json:"hostname"`
	ClaimedCount int       `json:"claimed_count"`
	LastBeatAt   time.Time `json:"last_beat_at"`
	StartedAt    time.Time `json:"started_at"`
}

// SubmitRequest is the inbound payload for a single notification.
type SubmitRequest struct {
	Channel     Channel    `json:"channel"`
	Recipient   string     `json:"recipient"`
	Content     string     `json:"content"`
	Priority    Priority   `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CallbackURL *string    `json:"callback_url,omitempty"`
}

func (r *SubmitRequest) Validate() error {
	if !r.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if r.Recipient == "" {
		return ErrInvalidRecipient
	}
	if r.Content == "" || len(r.Content) > 4096 {
		return ErrInvalidContent
	}
	if r.ExpiresAt != nil && r.ScheduledAt != nil && !r.ExpiresAt.After(*r.ScheduledAt) {
		return ErrExpiryBeforeSchedule
	}
	return nil
}

// BatchSubmitRequest wraps a slice of submit requests.
type BatchSubmitRequest struct {
	Notifications []SubmitRequest `json:"notifications"`
}

// ListFilter holds query parameters for paginated notification listing.
type ListFilter struct {
	Status  *Status
	Channel *Channel
	From    *time.Time
	To      *time.Time
	Page    int
	Limit   int
}
