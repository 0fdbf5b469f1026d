package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookChannel POSTs payloads as JSON to a configured URL. An empty
// URL makes every Send a no-op, so the channel is safe to register
// unconditionally.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel builds a channel for the given endpoint.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

type webhookBody struct {
	Level     string            `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
	Source    string            `json:"source"`
}

func (w *WebhookChannel) Send(ctx context.Context, payload Payload) error {
	if w.url == "" {
		return nil
	}

	body, err := json.Marshal(webhookBody{
		Level:     string(payload.Level),
		Title:     payload.Title,
		Message:   payload.Message,
		Timestamp: payload.Timestamp.Unix(),
		Fields:    payload.Fields,
		Source:    "exec_gateway",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
