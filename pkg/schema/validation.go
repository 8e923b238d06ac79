package schema

import "fmt"

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single problem found in a definition, located by a
// path such as "nodes[2].config.operator".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects issues from every validation pass.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid is true when only warnings were recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues; nil is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil when valid. Otherwise the first issue's code and
// location become the error, with every issue listed in Details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	first := r.Errors[0]
	code := first.Code
	if code == "" {
		code = ErrCodeValidation
	}
	msg := first.String()
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(r.Errors)-1)
	}

	return NewError(code, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}
