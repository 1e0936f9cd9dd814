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

// LogHandler writes every notification as an error record.
type LogHandler struct {
	Logger *slog.Logger
}

func (LogHandler) Name() string { return "log" }

func (h LogHandler) Handle(ctx context.Context, caller, message string) (bool, error) {
	l := h.Logger
	if l == nil {
		l = slog.Default()
	}
	l.ErrorContext(ctx, "notification", "caller", caller, "message", message)
	return true, nil
}

// WebhookHandler POSTs {"caller","message","hostname","time"} as JSON.
type WebhookHandler struct {
	URL      string
	Hostname string
	Client   *http.Client
}

type webhookPayload struct {
	Caller   string    `json:"caller"`
	Message  string    `json:"message"`
	Hostname string    `json:"hostname,omitempty"`
	Time     time.Time `json:"time"`
}

func (WebhookHandler) Name() string { return "webhook" }

func (h WebhookHandler) Handle(ctx context.Context, caller, message string) (bool, error) {
	body, err := json.Marshal(webhookPayload{Caller: caller, Message: message, Hostname: h.Hostname, Time: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	c := h.Client
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := c.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return true, nil
}
