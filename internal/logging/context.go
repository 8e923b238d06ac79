package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	runIDKey
	nodeIDKey
	workspaceIDKey
)

// correlationAttrs maps context keys to the attribute names they produce,
// in the order they appear in log records.
var correlationAttrs = []struct {
	key  ctxKey
	name string
}{
	{workspaceIDKey, "workspace_id"},
	{workflowIDKey, "workflow_id"},
	{runIDKey, "run_id"},
	{nodeIDKey, "node_id"},
}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeIDKey, id)
}

func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workspaceIDKey, id)
}

// WithRun sets the identifiers shared by every log line of a run.
func WithRun(ctx context.Context, workspaceID, workflowID, runID string) context.Context {
	ctx = WithWorkspaceID(ctx, workspaceID)
	ctx = WithWorkflowID(ctx, workflowID)
	return WithRunID(ctx, runID)
}

func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }
func RunID(ctx context.Context) string      { return value(ctx, runIDKey) }
func NodeID(ctx context.Context) string     { return value(ctx, nodeIDKey) }
func WorkspaceID(ctx context.Context) string {
	return value(ctx, workspaceIDKey)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// LogWith returns logger enriched with the non-empty correlation IDs in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs {
		if v := value(ctx, a.key); v != "" {
			logger = logger.With(slog.String(a.name, v))
		}
	}
	return logger
}

// CorrelationHandler injects correlation IDs from the context into every
// record, so logger.InfoContext(ctx, ...) carries them automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range correlationAttrs {
		if v := value(ctx, a.key); v != "" {
			r.AddAttrs(slog.String(a.name, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a text or JSON handler wrapped in a CorrelationHandler.
func New(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if json {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
