package notify

import (
	"context"
	"log/slog"

	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

// Router dispatches a notification to the Notifier registered for its
// channel.
type Router struct {
	routes map[string]nodes.Notifier
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]nodes.Notifier)}
}

// Route registers n for channel, replacing any previous entry.
func (r *Router) Route(channel string, n nodes.Notifier) *Router {
	r.routes[channel] = n
	return r
}

func (r *Router) Notify(ctx context.Context, n nodes.Notification) error {
	target, ok := r.routes[n.Channel]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotify, "no notifier configured for channel %q", n.Channel)
	}
	return target.Notify(ctx, n)
}

// Log writes notifications to the logger instead of delivering them. It
// stands in for channels without a transport, such as email in development.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logging.OrDiscard(logger)}
}

func (l *Log) Notify(ctx context.Context, n nodes.Notification) error {
	logging.LogWith(ctx, l.logger).InfoContext(ctx, "notification",
		slog.String("channel", n.Channel),
		slog.Any("recipients", n.Recipients),
		slog.String("subject", n.Subject),
	)
	return nil
}
