package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	inner := &stubTool{name: "log_me", execute: func(context.Context, json.RawMessage, *ToolContext) (ToolResult, error) {
		return ToolResult{Value: "ok"}, nil
	}}
	wrapped := WithLogging(logger)(inner)
	res, err := wrapped.Execute(context.Background(), raw(`{}`), NewToolContext(nil).bind(ToolCall{ID: "c1", ToolName: "log_me"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.String())
	logStr := buf.String()
	assert.Contains(t, logStr, "tool start")
	assert.Contains(t, logStr, "tool end")
	assert.Contains(t, logStr, "log_me")
	assert.Contains(t, logStr, "call_id=c1")
}

func TestWithLogging_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	inner := &stubTool{name: "broken", execute: func(context.Context, json.RawMessage, *ToolContext) (ToolResult, error) {
		return ToolResult{}, errors.New("disk full")
	}}
	_, err := WithLogging(logger)(inner).Execute(context.Background(), raw(`{}`), nil)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "tool error")
	assert.Contains(t, buf.String(), "disk full")
}

func TestWithRecovery(t *testing.T) {
	inner := &stubTool{name: "panic_me", execute: func(context.Context, json.RawMessage, *ToolContext) (ToolResult, error) {
		panic("test panic")
	}}
	res, err := WithRecovery()(inner).Execute(context.Background(), raw(`{}`), nil)
	require.Error(t, err)
	assert.Nil(t, res.Value)
	var sysErr *SystemError
	require.ErrorAs(t, err, &sysErr)
	// SystemError hides the message; the wrapped error keeps the panic value.
	assert.Contains(t, sysErr.Err.Error(), "panic")
}

func TestWithTimeoutMiddleware(t *testing.T) {
	inner := &stubTool{name: "slow", execute: func(ctx context.Context, _ json.RawMessage, _ *ToolContext) (ToolResult, error) {
		<-ctx.Done()
		return ToolResult{}, ctx.Err()
	}}
	wrapped := WithTimeoutMiddleware(5 * time.Millisecond)(inner)
	assert.Equal(t, 5*time.Millisecond, wrapped.(ToolMetadata).Timeout())
	_, err := wrapped.Execute(context.Background(), raw(`{}`), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMiddleware_PreservesMetadata(t *testing.T) {
	inner := &stubTool{
		name:     "meta",
		desc:     "described",
		mode:     ContextRequired,
		attrs:    map[string]string{AttrType: AttrInterrupt},
		blocking: true,
		timeout:  time.Second,
	}
	wrapped := WithRecovery()(WithLogging(nil)(inner))
	assert.Equal(t, "meta", wrapped.Name())
	assert.Equal(t, "described", wrapped.Description())
	meta := wrapped.(ToolMetadata)
	assert.Equal(t, ContextRequired, meta.ContextMode())
	assert.True(t, meta.Blocking())
	assert.Equal(t, time.Second, meta.Timeout())
	assert.Equal(t, AttrInterrupt, meta.Attributes()[AttrType])
}

func TestWrapTool(t *testing.T) {
	var calls int
	wrapped := WrapTool(newAddOne(t), func(ctx context.Context, args json.RawMessage, tc *ToolContext) (ToolResult, error) {
		calls++
		return ToolResult{Value: "wrapped"}, nil
	})
	assert.Equal(t, "add_one", wrapped.Name())
	res, err := wrapped.Execute(context.Background(), raw(`{"x":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "wrapped", res.String())
	assert.Equal(t, 1, calls)
}

func TestRegistry_Use(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(newAddOne(t))
	reg.Use(WithRecovery(), WithLogging(slog.Default()))
	out, err := reg.Execute(context.Background(), ToolCall{ID: "1", ToolName: "add_one", Args: raw(`{"x":2}`)}, nil, nil)
	require.NoError(t, err)
	require.True(t, out.OK())
	assert.Equal(t, addResult{Y: 3}, out.Result.Value)
}

// Calling Use twice rewraps from the raw tools, so middlewares are not stacked.
func TestRegistry_Use_NoDoubleWrap(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	reg := NewRegistry()
	reg.MustRegister(newAddOne(t))
	reg.Use(WithRecovery())
	reg.Use(WithLogging(logger))
	out, err := reg.Execute(context.Background(), ToolCall{ID: "1", ToolName: "add_one", Args: raw(`{"x":3}`)}, nil, nil)
	require.NoError(t, err)
	require.True(t, out.OK())
	require.Equal(t, 1, strings.Count(buf.String(), "tool start"))
}

func TestRegistry_Use_AppliesToLaterTools(t *testing.T) {
	var buf bytes.Buffer
	reg := NewRegistry()
	reg.Use(WithLogging(slog.New(slog.NewTextHandler(&buf, nil))))
	reg.MustRegister(newAddOne(t))
	_, err := reg.Execute(context.Background(), ToolCall{ID: "1", ToolName: "add_one", Args: raw(`{"x":3}`)}, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "tool start")
}
