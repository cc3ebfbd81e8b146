package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/types"
)

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	Logger *slog.Logger
}

func (LogChannel) Name() string { return "log" }

// Notify implements Channel.
func (c LogChannel) Notify(ctx context.Context, a types.Alert) error {
	l := c.Logger
	if l == nil {
		l = log
	}
	level := slog.LevelInfo
	switch a.Severity {
	case types.SeverityCritical:
		level = slog.LevelError
	case types.SeverityWarning:
		level = slog.LevelWarn
	}
	l.Log(ctx, level, a.Title,
		"id", a.ID,
		"node", a.Node,
		"category", a.Category,
		"severity", a.Severity,
		"message", a.Message)
	return nil
}

// WebhookPayload is the JSON body posted by WebhookChannel.
type WebhookPayload struct {
	ID        string         `json:"id"`
	Node      string         `json:"node"`
	Category  string         `json:"category"`
	Severity  string         `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// WebhookChannel posts alerts as JSON.
type WebhookChannel struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (WebhookChannel) Name() string { return "webhook" }

// Notify implements Channel.
func (c WebhookChannel) Notify(ctx context.Context, a types.Alert) error {
	body, err := json.Marshal(WebhookPayload{
		ID:        a.ID,
		Node:      a.Node,
		Category:  a.Category,
		Severity:  string(a.Severity),
		Title:     a.Title,
		Message:   a.Message,
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(errors.ErrConnectionFailed, "webhook: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Wrapf(errors.ErrStatusCode, "webhook returned %d", resp.StatusCode)
	}
	return nil
}
