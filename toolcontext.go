package agentloop

import (
	"maps"
)

// ContextMode declares whether a tool needs a ToolContext.
type ContextMode int

const (
	// ContextNone tools never receive a context.
	ContextNone ContextMode = iota
	// ContextRequired tools fail the run when no context was supplied.
	ContextRequired
	// ContextOptional tools receive a context when one exists and nil otherwise.
	ContextOptional
)

func (m ContextMode) String() string {
	switch m {
	case ContextRequired:
		return "required"
	case ContextOptional:
		return "optional"
	default:
		return "none"
	}
}

// Progress is an intermediate status report from a running tool.
type Progress struct {
	CallID   string
	ToolName string
	Message  string
	// Percent is in [0, 100]; zero when the tool does not know.
	Percent float64
	Data    map[string]any
}

// ProgressFunc receives progress reports. It may be called from several goroutines.
type ProgressFunc func(Progress)

// CombineProgress returns a callback that invokes every non-nil fn in order.
// A panicking listener is recovered and does not keep the others from running.
func CombineProgress(fns ...ProgressFunc) ProgressFunc {
	live := make([]ProgressFunc, 0, len(fns))
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(p Progress) {
		for _, fn := range live {
			notify(fn, p)
		}
	}
}

func notify(fn ProgressFunc, p Progress) {
	defer func() { _ = recover() }()
	fn(p)
}

// ToolContext carries caller-supplied values into a tool invocation.
// A fresh ToolContext is built for every call; tools may keep it for the duration of the call only.
type ToolContext struct {
	ToolName   string
	ToolCallID string
	Progress   ProgressFunc
	values     map[string]any
}

// NewToolContext returns a context holding a copy of values.
func NewToolContext(values map[string]any) *ToolContext {
	return &ToolContext{values: maps.Clone(values)}
}

// Value returns the value stored under key.
func (c *ToolContext) Value(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

// Values returns a copy of all stored values.
func (c *ToolContext) Values() map[string]any {
	if c == nil {
		return nil
	}
	return maps.Clone(c.values)
}

// Report sends p to the progress callback, filling in the call name and id. Safe on a nil context.
func (c *ToolContext) Report(p Progress) {
	if c == nil || c.Progress == nil {
		return
	}
	p.CallID = c.ToolCallID
	p.ToolName = c.ToolName
	c.Progress(p)
}

// ContextValue returns the value stored under key when it has type T.
func ContextValue[T any](c *ToolContext, key string) (T, bool) {
	var zero T
	v, ok := c.Value(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// bind returns a per-call copy of c carrying the call name/id. progress is
// combined with the context's own callback.
func (c *ToolContext) bind(call ToolCall, progress ProgressFunc) *ToolContext {
	out := &ToolContext{
		ToolName:   call.ToolName,
		ToolCallID: call.ID,
		Progress:   CombineProgress(progress),
	}
	if c != nil {
		out.values = maps.Clone(c.values)
		out.Progress = CombineProgress(c.Progress, progress)
	}
	return out
}

// mergeValues layers override on top of base. Neither input is modified.
func mergeValues(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
