package agentloop

import (
	"context"
	"encoding/json"
	"time"
)

// Tool is the contract for a model-callable instrument.
// It is provider-agnostic (no knowledge of OpenAI, Anthropic, etc.).
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a valid JSON Schema as map (compatible with model tool definitions).
	Parameters() map[string]any
	// Execute runs the tool. args is always a JSON document; tc is nil unless the
	// tool declares a context mode other than ContextNone and a context exists.
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (ToolResult, error)
}

// ToolMetadata is implemented by tools built with NewTool, NewContextTool and NewDynamicTool.
// The registry reads it for timeouts, interrupt attributes, context mode and pool placement.
type ToolMetadata interface {
	Timeout() time.Duration
	Tags() []string
	Attributes() map[string]string
	ContextMode() ContextMode
	Blocking() bool
}

// Definition returns the gateway-facing description of t.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}
