package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/notifyhub/dispatchd/internal/domain"
)

// sendRequest is the JSON body posted to the external provider.
type sendRequest struct {
	To      string `json:"to"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// sendResponse maps the provider's 202 Accepted response body.
type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WebhookSender delivers one channel's notifications by POSTing to an HTTP
// provider endpoint. The base URL is injected from config so tests can point
// to a local httptest server.
type WebhookSender struct {
	channel    domain.Channel
	baseURL    string
	httpClient *http.Client
}

func NewWebhookSender(channel domain.Channel, baseURL string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		channel: channel,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *WebhookSender) Channel() domain.Channel { return s.channel }

func (s *WebhookSender) ProviderID() string {
	return "webhook:" + string(s.channel)
}

// Send posts the notification and expects a 202 Accepted with a JSON body
// containing messageId. Non-202 statuses map onto the error taxonomy so the
// worker never has to inspect HTTP codes.
func (s *WebhookSender) Send(ctx context.Context, n *domain.Notification) (*Result, error) {
	body, err := json.Marshal(sendRequest{
		To:      n.Recipient,
		Channel: string(n.Channel),
		Content: n.Content,
	})
	if err != nil {
		return nil, domain.NewSendError(domain.CategoryInternal, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewSendError(domain.CategoryInternal, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, domain.NewSendError(domain.CategoryTimeout, "provider call timed out", err)
		}
		return nil, domain.NewSendError(domain.CategoryProvider, "provider unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		se := domain.NewSendError(domain.CategoryRateLimit, "provider throttled", nil)
		se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, se
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, domain.NewSendError(domain.CategoryPermanent,
			fmt.Sprintf("provider rejected recipient (status %d)", resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return nil, domain.NewSendError(domain.CategoryProvider,
			fmt.Sprintf("provider error (status %d)", resp.StatusCode), nil)
	default:
		return nil, domain.NewSendError(domain.CategoryProvider,
			fmt.Sprintf("unexpected provider status %d", resp.StatusCode), nil)
	}

	var sendResp sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, domain.NewSendError(domain.CategoryProvider, "decode response", err)
	}

	return &Result{ProviderMsgID: sendResp.MessageID}, nil
}

func (s *WebhookSender) ValidateRecipient(recipient string) error {
	if recipient == "" {
		return domain.NewSendError(domain.CategoryValidation, "empty recipient", nil)
	}
	return nil
}

// HealthCheck probes the provider endpoint with a HEAD request.
func (s *WebhookSender) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check %s: %w", s.ProviderID(), err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check %s: status %d", s.ProviderID(), resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

var _ Sender = (*WebhookSender)(nil)
