package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeInvalidConfig     = "INVALID_CONFIG"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeHandlerPanic      = "HANDLER_PANIC"

	// Node-level resolution errors.
	ErrCodeConnectionNotFound  = "CONNECTION_NOT_FOUND"
	ErrCodeAPIKeyNotConfigured = "API_KEY_NOT_CONFIGURED"
	ErrCodeTokenRefresh        = "TOKEN_REFRESH_FAILED"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"

	// Node-level collaborator errors.
	ErrCodeProvider = "PROVIDER_ERROR"
	ErrCodeModel    = "MODEL_ERROR"
	ErrCodeNotify   = "NOTIFY_ERROR"
)

// Error is the structured error type used across the engine and its collaborators.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}
