package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markarapor/reportflow/pkg/schema"
)

func TestNotification_Delivers(t *testing.T) {
	n := &fakeNotifier{}
	h := NewNotificationHandler(n)
	exported := Input{NodeID: "exp", Output: map[string]any{"title": "Rapor", "format": "pdf", "data": map[string]any{"big": true}}}

	out, err := h.Execute(context.Background(), request(t, "notify", schema.NodeTypeNotification,
		map[string]any{"channel": "email", "recipients": []any{"a@example.com"}}, exported))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"delivered": true, "channel": "email"}, out)

	require.Len(t, n.sent, 1)
	sent := n.sent[0]
	assert.Equal(t, []string{"a@example.com"}, sent.Recipients)
	assert.Equal(t, "Report ready: notify", sent.Subject)
	assert.Equal(t, "run-1", sent.RunID)
	assert.Equal(t, map[string]any{"title": "Rapor", "format": "pdf"}, sent.Payload)
}

func TestNotification_Failure(t *testing.T) {
	h := NewNotificationHandler(&fakeNotifier{err: errors.New("smtp down")})
	_, err := h.Execute(context.Background(), request(t, "notify", schema.NodeTypeNotification, map[string]any{"channel": "slack"}))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotify, schema.CodeOf(err))

	_, err = NewNotificationHandler(nil).Execute(context.Background(), request(t, "notify", schema.NodeTypeNotification, map[string]any{"channel": "slack"}))
	assert.Equal(t, schema.ErrCodeNotify, schema.CodeOf(err))
}

func TestTrigger_EmptyObject(t *testing.T) {
	out, err := TriggerHandler{}.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(TriggerHandler{}))
	assert.True(t, reg.Has(schema.NodeTypeTrigger))

	err := reg.Register(TriggerHandler{})
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	_, err = reg.Get(schema.NodeTypeExport)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, schema.CodeOf(err))

	reg.MustRegister(NewExportHandler(), NewTransformHandler())
	assert.Equal(t, []schema.NodeType{schema.NodeTypeExport, schema.NodeTypeTransform, schema.NodeTypeTrigger}, reg.Types())

	assert.Panics(t, func() { reg.MustRegister(NewExportHandler()) })
}
