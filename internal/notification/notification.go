// Package notification posts run outcomes to an optional webhook.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Event represents a finished backup or recovery run.
type Event struct {
	Type      EventType     `json:"type"`
	Tier      string        `json:"tier,omitempty"`
	Message   string        `json:"message"`
	Size      int64         `json:"size,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventType represents the kind of run being reported.
type EventType string

const (
	EventBackupCompleted   EventType = "backup_completed"
	EventBackupFailed      EventType = "backup_failed"
	EventRecoveryCompleted EventType = "recovery_completed"
	EventRecoveryFailed    EventType = "recovery_failed"
)

// Notifier delivers run events.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// Webhook posts events as JSON to a configured URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a webhook notifier. A nil result means no webhook
// is configured, which callers treat as "do not notify".
func NewWebhook(url string) *Webhook {
	if url == "" {
		return nil
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the event. A failed notification is reported to the caller
// but never fails the run it describes.
func (w *Webhook) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Notify sends the event through the notifier, if one is configured,
// logging failures instead of propagating them.
func Notify(ctx context.Context, notifier Notifier, event Event) {
	if notifier == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := notifier.Send(ctx, event); err != nil {
		slog.Warn("notification failed", "event", event.Type, "error", err)
	}
}
