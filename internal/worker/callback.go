package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// outcomePayload is the JSON body posted to a caller-supplied callback URL
// when a notification reaches an outcome worth reporting.
type outcomePayload struct {
	NotificationID string        `json:"notification_id"`
	Status         domain.Status `json:"status"`
	ProviderMsgID  string        `json:"provider_message_id,omitempty"`
	Error          string        `json:"error,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// CallbackNotifier posts delivery outcomes to caller webhooks, best effort:
// a failed callback is logged and dropped, never retried and never allowed
// to affect the delivery pipeline.
type CallbackNotifier struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewCallbackNotifier(timeout time.Duration, logger *zap.Logger) *CallbackNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CallbackNotifier{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NotifyOutcome fires the callback asynchronously. No-op when the
// notification carries no callback URL.
func (c *CallbackNotifier) NotifyOutcome(n *domain.Notification, status domain.Status, providerMsgID, errMsg string) {
	if c == nil || n.CallbackURL == nil || *n.CallbackURL == "" {
		return
	}

	payload := outcomePayload{
		NotificationID: n.ID,
		Status:         status,
		ProviderMsgID:  providerMsgID,
		Error:          errMsg,
		OccurredAt:     time.Now().UTC(),
	}
	url := *n.CallbackURL

	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			return
		}
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("outcome callback failed",
				zap.String("notification_id", n.ID), zap.Error(err))
			return
		}
		resp.Body.Close()
	}()
}
