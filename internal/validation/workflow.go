package validation

import (
	"errors"
	"time"

	"github.com/markarapor/reportflow/pkg/schema"
)

// WorkflowValidator runs the validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (edge refs, typed configs, cross-node refs, variables)
//  3. DAG (cycles, dangling outputs)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	now        func() time.Time
}

// Option configures a WorkflowValidator.
type Option func(*WorkflowValidator)

// WithClock sets the clock used to compute date variables.
func WithClock(now func() time.Time) Option {
	return func(wv *WorkflowValidator) { wv.now = now }
}

func NewWorkflowValidator(opts ...Option) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	wv := &WorkflowValidator{jsonSchema: jsv, now: time.Now}
	for _, opt := range opts {
		opt(wv)
	}
	return wv, nil
}

// Validate runs every stage and aggregates the issues. Structural errors
// short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return wv.ValidateWithVariables(def, nil)
}

// ValidateWithVariables is Validate with extra variable names the caller
// will supply at run time, so placeholders they fill are not reported.
func (wv *WorkflowValidator) ValidateWithVariables(def *schema.WorkflowDefinition, vars map[string]any) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := structural(wv.jsonSchema.ValidateDefinition(def))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, knownVariables(def, wv.now(), vars)))

	// A definition with broken edges has no meaningful graph.
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// ValidateJSON validates a raw definition document. The schema stage sees
// the document itself, so unknown fields are caught before decoding.
func (wv *WorkflowValidator) ValidateJSON(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	return wv.ValidateJSONWithVariables(raw, nil)
}

// ValidateJSONWithVariables is ValidateJSON with run-time variable names.
func (wv *WorkflowValidator) ValidateJSONWithVariables(raw []byte, vars map[string]any) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := structural(wv.jsonSchema.ValidateJSON(raw))
	if !result.Valid() {
		return nil, result
	}
	def, err := schema.ParseDefinition(raw)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	result.Merge(wv.ValidateWithVariables(def, vars))
	return def, result
}

func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// structural turns a schema-stage error into a ValidationResult with one
// issue per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var serr *schema.Error
	if !errors.As(err, &serr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := serr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", serr.Code, serr.Message)
	return result
}
