package agentloop

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Middleware wraps a Tool with cross-cutting behavior (logging, recovery, timeout).
type Middleware func(Tool) Tool

// ExecuteFunc is the signature of Tool.Execute.
type ExecuteFunc func(ctx context.Context, args json.RawMessage, tc *ToolContext) (ToolResult, error)

// WrapTool returns a Tool that reports next's name, schema and metadata but runs execute.
// Middlewares outside this package build on it.
func WrapTool(next Tool, execute ExecuteFunc) Tool {
	return &funcTool{toolBase: toolBase{next: next}, execute: execute}
}

type funcTool struct {
	toolBase
	execute ExecuteFunc
}

func (f *funcTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (ToolResult, error) {
	return f.execute(ctx, args, tc)
}

// WithLogging returns a middleware that logs start, end, duration, and errors.
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Tool) Tool {
		return &loggingTool{toolBase: toolBase{next: next}, logger: logger}
	}
}

// WithRecovery returns a middleware that recovers panics and returns SystemError.
func WithRecovery() Middleware {
	return func(next Tool) Tool {
		return &recoveryTool{toolBase{next: next}}
	}
}

// WithTimeoutMiddleware enforces a per-tool timeout. Named with the "Middleware" suffix to avoid
// collision with ToolOption WithTimeout. With a registry timeout as well, the shorter one wins.
func WithTimeoutMiddleware(d time.Duration) Middleware {
	return func(next Tool) Tool {
		return &timeoutTool{toolBase: toolBase{next: next}, timeout: d}
	}
}

// toolBase delegates Tool and ToolMetadata to the wrapped Tool; used by middleware wrappers.
type toolBase struct{ next Tool }

func (b *toolBase) Name() string               { return b.next.Name() }
func (b *toolBase) Description() string        { return b.next.Description() }
func (b *toolBase) Parameters() map[string]any { return b.next.Parameters() }

func (b *toolBase) Timeout() time.Duration {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.Timeout()
	}
	return 0
}
func (b *toolBase) Tags() []string {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.Tags()
	}
	return nil
}
func (b *toolBase) Attributes() map[string]string {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.Attributes()
	}
	return nil
}
func (b *toolBase) ContextMode() ContextMode {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.ContextMode()
	}
	return ContextNone
}
func (b *toolBase) Blocking() bool {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.Blocking()
	}
	return false
}

type loggingTool struct {
	toolBase
	logger *slog.Logger
}

func (m *loggingTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (ToolResult, error) {
	attrs := []any{"tool", m.next.Name()}
	if tc != nil {
		attrs = append(attrs, "call_id", tc.ToolCallID)
	}
	m.logger.InfoContext(ctx, "tool start", attrs...)
	start := time.Now()
	res, err := m.next.Execute(ctx, args, tc)
	attrs = append(attrs, "duration", time.Since(start))
	if err != nil {
		m.logger.ErrorContext(ctx, "tool error", append(attrs, "error", err)...)
		return ToolResult{}, err
	}
	m.logger.InfoContext(ctx, "tool end", attrs...)
	return res, nil
}

type recoveryTool struct{ toolBase }

func (r *recoveryTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (res ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = ToolResult{}
			err = &SystemError{Err: &panicError{p: p}}
		}
	}()
	return r.next.Execute(ctx, args, tc)
}

type timeoutTool struct {
	toolBase
	timeout time.Duration
}

func (t *timeoutTool) Timeout() time.Duration {
	if t.timeout > 0 {
		return t.timeout
	}
	return t.toolBase.Timeout()
}

func (t *timeoutTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (ToolResult, error) {
	if t.timeout <= 0 {
		return t.next.Execute(ctx, args, tc)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Execute(ctx, args, tc)
}

// Use stores the given middlewares and reapplies them from scratch to all registered tools (onion order:
// first middleware is outermost). Tools registered after Use also get these middlewares applied.
// Calling Use again replaces the chain and rewraps from raw tools, avoiding double-wrapping.
func (r *Registry) Use(middlewares ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = middlewares
	for name, raw := range r.rawTools {
		r.tools[name] = r.wrap(raw)
	}
}

func (r *Registry) wrap(t Tool) Tool {
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		t = r.middlewares[i](t)
	}
	return t
}
