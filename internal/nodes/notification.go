package nodes

import (
	"context"
	"fmt"

	"github.com/markarapor/reportflow/pkg/schema"
)

// NotificationHandler hands a message to the configured Notifier. The engine
// treats its failures as non-fatal.
type NotificationHandler struct {
	notifier Notifier
}

func NewNotificationHandler(n Notifier) *NotificationHandler {
	return &NotificationHandler{notifier: n}
}

func (h *NotificationHandler) Type() schema.NodeType { return schema.NodeTypeNotification }

func (h *NotificationHandler) Execute(ctx context.Context, req *Request) (any, error) {
	cfg, err := configAs[schema.NotificationConfig](req)
	if err != nil {
		return nil, err
	}
	if h.notifier == nil {
		return nil, schema.NewError(schema.ErrCodeNotify, "no notifier configured").WithNode(req.Node.ID)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = fmt.Sprintf("Report ready: %s", req.Node.Label())
	}
	n := Notification{
		Channel:    cfg.Channel,
		Recipients: cfg.Recipients,
		WebhookURL: cfg.WebhookURL,
		Subject:    subject,
		Message:    cfg.Message,
		WorkflowID: req.Run.WorkflowID,
		RunID:      req.Run.RunID,
		Payload:    exportSummary(req.OrderedInputs()),
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		if schema.CodeOf(err) != "" {
			return nil, withNode(err, req.Node.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotify, "%s notification failed: %s", cfg.Channel, err.Error()).
			WithNode(req.Node.ID).WithCause(err)
	}
	return map[string]any{"delivered": true, "channel": cfg.Channel}, nil
}

// exportSummary picks the report metadata out of upstream export outputs so
// the message can link to the report without carrying its data.
func exportSummary(inputs []Input) map[string]any {
	out := map[string]any{}
	for _, in := range inputs {
		m, ok := asMap(in.Output)
		if !ok {
			continue
		}
		for _, k := range []string{"title", "format", "destination", "generatedAt"} {
			if v, ok := m[k]; ok {
				out[k] = v
			}
		}
	}
	return out
}
