package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithRun(ctx, "ws-1", "wf-123", "run-9")
	ctx = WithNodeID(ctx, "ads")

	assert.Equal(t, "ws-1", WorkspaceID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "ads", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNodeID(WithRunID(context.Background(), "run-abc"), "merge")
	LogWith(ctx, logger).Info("node finished")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "node_id=merge")
	assert.NotContains(t, output, "workflow_id")
	assert.Contains(t, output, "node finished")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := WithRun(context.Background(), "ws-auto", "wf-auto", "run-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"workspace_id":"ws-auto"`)
	assert.Contains(t, output, `"workflow_id":"wf-auto"`)
	assert.Contains(t, output, `"run_id":"run-auto"`)
	assert.NotContains(t, output, "node_id")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "executor")}).WithGroup("run"))

	logger.InfoContext(WithRunID(context.Background(), "run-grp"), "grouped", "nodes", 3)

	output := buf.String()
	assert.Contains(t, output, `"component":"executor"`)
	assert.Contains(t, output, "run-grp")
	assert.Contains(t, output, "grouped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", true)
	logger.InfoContext(context.Background(), "hidden")
	logger.WarnContext(WithRunID(context.Background(), "r1"), "shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, `"run_id":"r1"`)
}
