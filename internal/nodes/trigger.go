package nodes

import (
	"context"

	"github.com/markarapor/reportflow/pkg/schema"
)

// TriggerHandler marks the entry of a workflow. It has no behavior and
// always succeeds with an empty object so downstream nodes are not starved.
type TriggerHandler struct{}

func (TriggerHandler) Type() schema.NodeType { return schema.NodeTypeTrigger }

func (TriggerHandler) Execute(context.Context, *Request) (any, error) {
	return map[string]any{}, nil
}
