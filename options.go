package agentloop

import (
	"context"
	"maps"
	"time"
)

// toolOptions hold optional tool settings (timeout, strict, tags, etc.).
type toolOptions struct {
	strict      bool
	timeout     time.Duration
	tags        []string
	attributes  map[string]string
	blocking    bool
	contextMode ContextMode
	modeSet     bool
}

// ToolOption configures a tool (e.g. WithStrict, WithTimeout).
type ToolOption func(*toolOptions)

// WithStrict sets strict mode for schema: additionalProperties: false for all objects,
// and all properties become required.
func WithStrict() ToolOption {
	return func(o *toolOptions) {
		o.strict = true
	}
}

// WithTimeout sets a per-tool timeout that overrides the registry default.
func WithTimeout(d time.Duration) ToolOption {
	return func(o *toolOptions) {
		o.timeout = d
	}
}

// WithTags sets tool tags (metadata for discovery).
func WithTags(tags ...string) ToolOption {
	return func(o *toolOptions) {
		o.tags = tags
	}
}

// WithAttributes merges registration-time attributes into the tool.
func WithAttributes(attrs map[string]string) ToolOption {
	return func(o *toolOptions) {
		if o.attributes == nil {
			o.attributes = make(map[string]string, len(attrs))
		}
		maps.Copy(o.attributes, attrs)
	}
}

// WithInterrupt marks the tool as an interrupt: a successful call ends the run after the current turn.
func WithInterrupt() ToolOption {
	return WithAttributes(map[string]string{AttrType: AttrInterrupt})
}

// WithBlocking runs the tool on the registry's bounded worker pool.
// Use it for handlers that block on CPU or I/O without honoring ctx.
func WithBlocking() ToolOption {
	return func(o *toolOptions) {
		o.blocking = true
	}
}

// WithOptionalContext lets a context-aware tool run without a ToolContext (it receives nil).
func WithOptionalContext() ToolOption {
	return func(o *toolOptions) {
		o.contextMode = ContextOptional
		o.modeSet = true
	}
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	timeout        time.Duration
	maxConcurrency int
	recoverPanics  bool
	onBefore       func(context.Context, ToolCall)
	onAfter        func(context.Context, ToolCall, ToolOutcome, time.Duration)
}

// WithDefaultTimeout sets the default execution timeout for tools. Zero means no timeout.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(o *registryOptions) {
		o.timeout = d
	}
}

// WithMaxConcurrency sizes the worker pool shared by blocking tools.
// Pass 0 or negative to run blocking tools without a bound.
func WithMaxConcurrency(n int) RegistryOption {
	return func(o *registryOptions) {
		o.maxConcurrency = n
	}
}

// WithRecoverPanics enables panic recovery in Execute (returns SystemError).
func WithRecoverPanics(enable bool) RegistryOption {
	return func(o *registryOptions) {
		o.recoverPanics = enable
	}
}

// WithOnBeforeExecute sets a hook called before each tool execution.
func WithOnBeforeExecute(fn func(context.Context, ToolCall)) RegistryOption {
	return func(o *registryOptions) {
		o.onBefore = fn
	}
}

// WithOnAfterExecute sets a hook called after each tool execution, including failed and panicking ones.
func WithOnAfterExecute(fn func(context.Context, ToolCall, ToolOutcome, time.Duration)) RegistryOption {
	return func(o *registryOptions) {
		o.onAfter = fn
	}
}
