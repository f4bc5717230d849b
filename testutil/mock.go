// Package testutil provides test helpers for agentloop: a configurable tool, a scripted
// gateway and a registry preset.
package testutil

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/skosovsky/agentloop"
)

// MockTool is a configurable Tool implementation for tests.
type MockTool struct {
	NameVal     string
	DescVal     string
	ParamsVal   map[string]any
	ModeVal     agentloop.ContextMode
	AttrsVal    map[string]string
	BlockingVal bool
	TimeoutVal  time.Duration
	ExecuteFn   func(ctx context.Context, args json.RawMessage, tc *agentloop.ToolContext) (agentloop.ToolResult, error)
}

// Name returns the tool name.
func (m *MockTool) Name() string {
	if m.NameVal != "" {
		return m.NameVal
	}
	return "mock"
}

// Description returns the tool description.
func (m *MockTool) Description() string {
	return m.DescVal
}

// Parameters returns the parameters schema (or an empty object schema).
func (m *MockTool) Parameters() map[string]any {
	if m.ParamsVal != nil {
		return m.ParamsVal
	}
	return map[string]any{"type": "object"}
}

// Execute runs ExecuteFn if set, otherwise returns an empty result.
func (m *MockTool) Execute(ctx context.Context, args json.RawMessage, tc *agentloop.ToolContext) (agentloop.ToolResult, error) {
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, args, tc)
	}
	return agentloop.ToolResult{}, nil
}

func (m *MockTool) Timeout() time.Duration             { return m.TimeoutVal }
func (m *MockTool) Tags() []string                     { return nil }
func (m *MockTool) Attributes() map[string]string      { return maps.Clone(m.AttrsVal) }
func (m *MockTool) ContextMode() agentloop.ContextMode { return m.ModeVal }
func (m *MockTool) Blocking() bool                     { return m.BlockingVal }

// Echo returns a MockTool that answers with its raw arguments.
func Echo(name string) *MockTool {
	return &MockTool{
		NameVal: name,
		ExecuteFn: func(_ context.Context, args json.RawMessage, _ *agentloop.ToolContext) (agentloop.ToolResult, error) {
			return agentloop.ToolResult{Value: args}, nil
		},
	}
}

var (
	_ agentloop.Tool         = (*MockTool)(nil)
	_ agentloop.ToolMetadata = (*MockTool)(nil)
)
