package agentloop

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientError(t *testing.T) {
	tests := []struct {
		name   string
		err    *ClientError
		expect string
	}{
		{"with reason", &ClientError{Reason: "bad enum"}, "invalid tool input: bad enum"},
		{"empty reason", &ClientError{Reason: ""}, "invalid tool input: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.err.Error())
		})
	}
}

func TestSystemError(t *testing.T) {
	inner := errors.New("db connection refused")
	err := &SystemError{Err: inner}
	assert.Equal(t, "internal system error during tool execution", err.Error())
	assert.Same(t, inner, err.Unwrap())
}

func TestErrorsIs_As(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   error
		is       bool
		asClient bool
		asSystem bool
	}{
		{"ClientError direct", &ClientError{Reason: "x"}, ErrValidation, false, true, false},
		{"ClientError with sentinel", &ClientError{Reason: "x", Err: ErrValidation}, ErrValidation, true, true, false},
		{"SystemError direct", &SystemError{Err: ErrTimeout}, ErrTimeout, true, false, true},
		{"wrapped ClientError", fmt.Errorf("outer: %w", &ClientError{Reason: "y"}), nil, false, true, false},
		{"wrapped SystemError", fmt.Errorf("outer: %w", &SystemError{Err: ErrTimeout}), ErrTimeout, true, false, true},
		{"missing context", &MissingToolContextError{ToolName: "a", CallID: "1"}, ErrMissingToolContext, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.target != nil {
				assert.Equal(t, tt.is, errors.Is(tt.err, tt.target), "errors.Is")
			}
			assert.Equal(t, tt.asClient, IsClientError(tt.err), "IsClientError")
			assert.Equal(t, tt.asSystem, IsSystemError(tt.err), "IsSystemError")
		})
	}
}

func TestGatewayError(t *testing.T) {
	inner := errors.New("rate limited")
	err := fmt.Errorf("run: %w", &GatewayError{Iteration: 2, Err: inner})

	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 2, ge.Iteration)
	require.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "iteration 2")
}

func TestStructuredOutputError(t *testing.T) {
	err := &StructuredOutputError{
		Reason:  ReasonValidationExhausted,
		Errors:  []string{"/total: got string, want number"},
		Retries: 4,
	}
	assert.Equal(t, "structured output failed (validation_exhausted) after 4 retries: /total: got string, want number", err.Error())

	gw := &StructuredOutputError{Reason: ReasonGatewayError, Err: &GatewayError{Err: ErrEmptyResponse}}
	require.ErrorIs(t, gw, ErrEmptyResponse)
}

func TestToolErrorContent(t *testing.T) {
	assert.Equal(t, "error: invalid tool input: bad", toolErrorContent(&ClientError{Reason: "bad"}))
	assert.Equal(t, "error: internal system error during tool execution", toolErrorContent(&SystemError{Err: errors.New("secret")}))
}
