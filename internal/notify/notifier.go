// Package notify delivers end-of-run summaries to operators. The core only
// depends on the Notifier interface; delivery is a collaborator concern.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Notifier receives a summary notification. Implementations must not block
// reconciliation longer than their own timeout.
type Notifier interface {
	Notify(ctx context.Context, subject string, payload any) error
}

// LogNotifier writes notifications to the structured log. The default when
// no outbound channel is configured: operators are never silently unaware.
type LogNotifier struct{}

// Notify logs the notification.
func (LogNotifier) Notify(ctx context.Context, subject string, payload any) error {
	slog.Info("notification",
		"component", "notify",
		"subject", subject,
		"payload", payload,
	)
	return nil
}

// WebhookNotifier posts notifications as JSON to a configured URL
// (chat-ops hook, pager bridge, mail gateway).
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to the given URL.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts {subject, sent_at, payload} to the configured URL.
func (n *WebhookNotifier) Notify(ctx context.Context, subject string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"subject": subject,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NewNotifier returns the WebhookNotifier when a URL is configured, the
// LogNotifier otherwise.
func NewNotifier(webhookURL string) Notifier {
	if webhookURL == "" {
		return LogNotifier{}
	}
	return NewWebhookNotifier(webhookURL)
}
