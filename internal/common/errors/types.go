package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies engine errors for propagation decisions
type ErrorType string

const (
	// ErrTypeDefinition represents structural/semantic/topology failures in a
	// pipeline definition; these are fatal before a run starts
	ErrTypeDefinition ErrorType = "definition"
	// ErrTypeStep represents a step executor failure, handled per error policy
	ErrTypeStep ErrorType = "step"
	// ErrTypeRecord represents a single-record failure inside a step; never fatal
	ErrTypeRecord ErrorType = "record"
	// ErrTypeEval represents an expression validation/compile/execution failure
	ErrTypeEval ErrorType = "eval"
	// ErrTypeCheckpoint represents checkpoint persistence failures; warnings only
	ErrTypeCheckpoint ErrorType = "checkpoint"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeCancelled represents run cancellation
	ErrTypeCancelled ErrorType = "cancelled"
	// ErrTypeInternal represents internal engine errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured engine error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	StepKey string                 `json:"stepKey,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type)}

	if e.StepKey != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.StepKey))
	}

	parts = append(parts, e.Message)

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithStep tags the error with the step key it originated from
func (e *AppError) WithStep(stepKey string) *AppError {
	e.StepKey = stepKey
	return e
}

// DefinitionError creates a new definition error
func DefinitionError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeDefinition,
		Message: msg,
	}
}

// StepError creates a new step execution error
func StepError(stepKey, msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeStep,
		Message: msg,
		StepKey: stepKey,
		Cause:   cause,
	}
}

// RecordFailure creates a new per-record error
func RecordFailure(stepKey, msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeRecord,
		Message: msg,
		StepKey: stepKey,
		Cause:   cause,
	}
}

// EvalError creates a new expression evaluation error
func EvalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeEval,
		Message: msg,
		Cause:   cause,
	}
}

// CheckpointError creates a new checkpoint persistence error
func CheckpointError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeCheckpoint,
		Message: msg,
		Cause:   cause,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// CancelledError creates a new cancellation error
func CancelledError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeCancelled,
		Message: msg,
		Cause:   cause,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error is of a specific type anywhere in its chain
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}

	return appErr.Type == errType
}
