package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/markarapor/reportflow/pkg/schema"
)

const workflowSchemaURL = "https://reportflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the shape of a WorkflowDefinition and of each
// node kind's config. String fields stay unconstrained where a {{variable}}
// placeholder may stand in for the value.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://reportflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "variables": { "type": ["object", "null"] }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["trigger", "data-source", "ai-analysis", "transform", "export", "notification"]
        },
        "name": { "type": "string" },
        "config": { "type": ["object", "null"] },
        "position": {
          "type": ["object", "null"],
          "properties": { "x": { "type": "number" }, "y": { "type": "number" } }
        }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "type": { "const": "data-source" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/dataSource" } } } },
        { "if": { "properties": { "type": { "const": "ai-analysis" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/aiAnalysis" } } } },
        { "if": { "properties": { "type": { "const": "transform" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/transform" } } } },
        { "if": { "properties": { "type": { "const": "export" } } },
          "then": { "properties": { "config": { "$ref": "#/$defs/export" } } } },
        { "if": { "properties": { "type": { "const": "notification" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/notification" } } } }
      ]
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "dateRange": {
      "type": "object",
      "required": ["startDate", "endDate"],
      "properties": {
        "startDate": { "type": "string" },
        "endDate": { "type": "string" }
      }
    },
    "dataSource": {
      "type": "object",
      "properties": {
        "source": { "type": "string" },
        "connectionId": { "type": "string" },
        "metrics": { "type": "array", "items": { "type": "string" } },
        "dimensions": { "type": "array", "items": { "type": "string" } },
        "dateRange": { "$ref": "#/$defs/dateRange" },
        "limit": { "type": "integer", "minimum": 0 },
        "mergeKey": { "type": "string" }
      }
    },
    "aiAnalysis": {
      "type": "object",
      "properties": {
        "analysisType": { "type": "string" },
        "prompt": { "type": "string" },
        "model": { "type": "string" },
        "language": { "type": "string" },
        "tone": { "type": "string" },
        "inputNodeIds": { "type": "array", "items": { "type": "string" } },
        "maxTokens": { "type": "integer", "minimum": 1 }
      }
    },
    "transform": {
      "type": "object",
      "required": ["operation"],
      "properties": {
        "operation": { "enum": ["merge", "filter", "aggregate", "calculate"] },
        "path": { "type": "string" },
        "field": { "type": "string" },
        "operator": { "type": "string" },
        "aggregations": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["operation"],
            "properties": {
              "field": { "type": "string" },
              "operation": { "enum": ["sum", "avg", "min", "max", "count"] },
              "alias": { "type": "string" }
            }
          }
        },
        "calculations": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["operation", "fields", "alias"],
            "properties": {
              "operation": { "enum": ["add", "subtract", "multiply", "divide", "percentage"] },
              "fields": { "type": "array", "minItems": 1, "items": { "type": "string" } },
              "alias": { "type": "string", "minLength": 1 }
            }
          }
        }
      }
    },
    "export": {
      "type": "object",
      "properties": {
        "format": { "type": "string" },
        "destination": { "type": "string" },
        "title": { "type": "string" },
        "template": { "type": "string" },
        "language": { "type": "string" },
        "currency": { "type": "string" }
      }
    },
    "notification": {
      "type": "object",
      "required": ["channel"],
      "properties": {
        "channel": { "enum": ["email", "slack", "webhook"] },
        "recipients": { "type": "array", "items": { "type": "string" } },
        "webhookUrl": { "type": "string" },
        "subject": { "type": "string" },
        "message": { "type": "string" }
      }
    }
  }
}`

// JSONSchemaValidator checks the structure of a WorkflowDefinition against
// the embedded JSON Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: compiled}, nil
}

// ValidateDefinition validates def against the workflow schema and rejects
// duplicate node ids, which JSON Schema cannot express.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	return v.ValidateJSON(raw)
}

// ValidateJSON validates a raw definition document. Unknown fields are
// reported here, whereas decoding into WorkflowDefinition would drop them.
func (v *JSONSchemaValidator) ValidateJSON(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid workflow definition JSON").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}

	var probe struct {
		Nodes []struct {
			ID string `json:"id"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid workflow definition JSON").WithCause(err)
	}
	seen := make(map[string]struct{}, len(probe.Nodes))
	for _, n := range probe.Nodes {
		if _, exists := seen[n.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// toSchemaError flattens a jsonschema.ValidationError into a single error
// whose details list every violation with its instance location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks the error tree and returns the leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
