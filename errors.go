package agentloop

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrToolNotFound       = errors.New("tool not found")
	ErrTimeout            = errors.New("tool execution timeout")
	ErrValidation         = errors.New("validation failed")
	ErrShutdown           = errors.New("registry is shutting down")
	ErrStreamAborted      = errors.New("stream aborted")
	ErrMissingToolContext = errors.New("missing tool context")
	ErrDuplicateTool      = errors.New("duplicate tool name")
	ErrThreadNotFound     = errors.New("thread not found")
	ErrEmptyResponse      = errors.New("empty response from gateway")
	ErrNoStore            = errors.New("no message store configured")
)

// ClientError is an error that should be sent back to the model for self-correction
// (e.g. invalid JSON, schema validation failure, bad enum value).
// Err optionally wraps a sentinel (e.g. ErrValidation) for errors.Is/errors.As.
type ClientError struct {
	Reason string
	// Retryable is set by the application. When true, the caller may retry the
	// same call without changing arguments (e.g. transient rate limit).
	Retryable bool
	Err       error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("invalid tool input: %s", e.Reason)
}

func (e *ClientError) Unwrap() error { return e.Err }

// SystemError represents an internal failure (DB down, panic, etc.).
// The model never sees the underlying error message.
type SystemError struct {
	Err error
}

func (e *SystemError) Error() string {
	return "internal system error during tool execution"
}

func (e *SystemError) Unwrap() error { return e.Err }

// IsClientError returns true if err is or wraps a ClientError.
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// IsSystemError returns true if err is or wraps a SystemError.
func IsSystemError(err error) bool {
	var se *SystemError
	return errors.As(err, &se)
}

// MissingToolContextError aborts a run: a tool that requires a context was
// invoked while neither the engine nor the run supplied one.
type MissingToolContextError struct {
	ToolName string
	CallID   string
}

func (e *MissingToolContextError) Error() string {
	return fmt.Sprintf("tool %q (call %s) requires a tool context but none was supplied", e.ToolName, e.CallID)
}

func (e *MissingToolContextError) Unwrap() error { return ErrMissingToolContext }

// GatewayError is returned in strict mode when a completion request fails.
type GatewayError struct {
	Iteration int
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway call failed at iteration %d: %v", e.Iteration, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// StructuredReason tells why a structured run produced no value.
type StructuredReason string

const (
	ReasonValidationExhausted StructuredReason = "validation_exhausted"
	ReasonOutputNotInvoked    StructuredReason = "output_tool_not_invoked"
	ReasonIterationLimit      StructuredReason = "iteration_limit"
	ReasonInterrupted         StructuredReason = "interrupted"
	ReasonGatewayError        StructuredReason = "gateway_error"
)

// StructuredOutputError is returned by RunStructured when no valid value was produced.
type StructuredOutputError struct {
	Reason StructuredReason
	// Errors holds the validation failures of the last attempt.
	Errors []string
	// LastResponse is the raw argument text of the last output tool call.
	LastResponse string
	Retries      int
	History      []RetryRecord
	Err          error
}

func (e *StructuredOutputError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "structured output failed (%s) after %d retries", e.Reason, e.Retries)
	if len(e.Errors) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Errors, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StructuredOutputError) Unwrap() error { return e.Err }

// wrapJSONParseError returns a ClientError for JSON unmarshal failures.
func wrapJSONParseError(err error) error {
	return &ClientError{Reason: "json parse error: " + err.Error()}
}

// wrapHandlerError passes through ClientError; wraps other errors as SystemError.
func wrapHandlerError(err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) {
		return err
	}
	return &SystemError{Err: err}
}

// panicError wraps a recovered panic value for SystemError; used by Registry and WithRecovery middleware.
type panicError struct{ p any }

func (e *panicError) Error() string {
	return "panic: " + fmt.Sprint(e.p)
}

// toolErrorContent is the tool message content for a failed call.
func toolErrorContent(err error) string {
	return "error: " + err.Error()
}
