// Package notify delivers run notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

// Webhook POSTs notifications to the URL carried in each message, falling
// back to DefaultURL.
type Webhook struct {
	DefaultURL string
	client     *http.Client
	logger     *slog.Logger
}

type WebhookConfig struct {
	DefaultURL string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{DefaultURL: cfg.DefaultURL, client: client, logger: logging.OrDiscard(cfg.Logger)}
}

func (w *Webhook) Notify(ctx context.Context, n nodes.Notification) error {
	url := n.WebhookURL
	if url == "" {
		url = w.DefaultURL
	}
	if url == "" {
		return schema.NewError(schema.ErrCodeNotify, "webhook notification has no URL")
	}

	var body any = n
	if n.Channel == schema.ChannelSlack {
		body = slackMessage(n)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.NewError(schema.ErrCodeNotify, "encode notification").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotify, "build webhook request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "reportflow-notify/1")

	resp, err := w.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNotify, "webhook delivery failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return schema.NewErrorf(schema.ErrCodeNotify, "webhook returned HTTP %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	logging.LogWith(ctx, w.logger).DebugContext(ctx, "notification delivered",
		slog.String("channel", n.Channel), slog.Int("status", resp.StatusCode))
	return nil
}

// slackMessage renders the incoming-webhook text payload.
func slackMessage(n nodes.Notification) map[string]any {
	text := "*" + n.Subject + "*"
	if n.Message != "" {
		text += "\n" + n.Message
	}
	if u, ok := n.Payload["reportUrl"].(string); ok && u != "" {
		text += fmt.Sprintf("\n<%s|Open report>", u)
	}
	return map[string]any{"text": text}
}
