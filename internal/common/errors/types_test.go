package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "simple definition error",
			err:      DefinitionError("steps must not be empty"),
			expected: "definition: steps must not be empty",
		},
		{
			name:     "step error with key and cause",
			err:      StepError("extract_orders", "executor failed", fmt.Errorf("connection refused")),
			expected: "step: step=extract_orders: executor failed: cause=connection refused",
		},
		{
			name:     "checkpoint error with cause",
			err:      CheckpointError("flush failed", fmt.Errorf("disk full")),
			expected: "checkpoint: flush failed: cause=disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := EvalError("compile failed", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestAppError_WithContext(t *testing.T) {
	err := RecordFailure("transform_1", "bad record", nil).
		WithContext("recordIndex", 42)

	assert.Equal(t, 42, err.Context["recordIndex"])
	assert.Contains(t, err.Error(), "recordIndex=42")
}

func TestIsType(t *testing.T) {
	assert.True(t, IsType(DefinitionError("x"), ErrTypeDefinition))
	assert.False(t, IsType(DefinitionError("x"), ErrTypeStep))
	assert.False(t, IsType(nil, ErrTypeDefinition))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrTypeDefinition))

	// Wrapped AppError is still detected
	wrapped := fmt.Errorf("outer: %w", TimeoutError("evaluation"))
	assert.True(t, IsType(wrapped, ErrTypeTimeout))
}
