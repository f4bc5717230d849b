package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/skosovsky/agentloop"
)

// ErrScriptExhausted is returned when a ScriptedGateway receives more requests than it has turns.
var ErrScriptExhausted = errors.New("testutil: scripted gateway has no more turns")

// Turn is one scripted model response. Complete returns Message; Stream returns Deltas,
// or deltas derived from Message when Deltas is nil. Err fails the request.
type Turn struct {
	Message agentloop.Message
	Deltas  []agentloop.Delta
	Usage   *agentloop.Usage
	Err     error
}

// Text returns a turn answering with plain text.
func Text(content string) Turn {
	return Turn{Message: agentloop.Message{Role: agentloop.RoleAssistant, Content: content}}
}

// Call builds a tool call.
func Call(id, name, args string) agentloop.ToolCall {
	return agentloop.ToolCall{ID: id, ToolName: name, Args: json.RawMessage(args)}
}

// Calls returns a turn requesting the given tool calls.
func Calls(calls ...agentloop.ToolCall) Turn {
	return Turn{Message: agentloop.Message{Role: agentloop.RoleAssistant, ToolCalls: calls}}
}

// Fail returns a turn whose request fails with err.
func Fail(err error) Turn { return Turn{Err: err} }

// ScriptedGateway replays turns in order and records every request. Safe for concurrent use.
type ScriptedGateway struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	requests []*agentloop.CompletionRequest
}

// NewScriptedGateway returns a gateway that answers with turns in order.
func NewScriptedGateway(turns ...Turn) *ScriptedGateway {
	return &ScriptedGateway{turns: turns}
}

func (g *ScriptedGateway) pop(req *agentloop.CompletionRequest) (Turn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := *req
	cp.Messages = slices.Clone(req.Messages)
	cp.Tools = slices.Clone(req.Tools)
	g.requests = append(g.requests, &cp)
	if g.next >= len(g.turns) {
		return Turn{}, ErrScriptExhausted
	}
	t := g.turns[g.next]
	g.next++
	return t, t.Err
}

// Complete returns the next turn's Message.
func (g *ScriptedGateway) Complete(ctx context.Context, req *agentloop.CompletionRequest) (*agentloop.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := g.pop(req)
	if err != nil {
		return nil, err
	}
	return &agentloop.Completion{Message: t.Message, Usage: t.Usage}, nil
}

// Stream returns the next turn as a delta stream.
func (g *ScriptedGateway) Stream(ctx context.Context, req *agentloop.CompletionRequest) (agentloop.DeltaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := g.pop(req)
	if err != nil {
		return nil, err
	}
	if t.Deltas != nil {
		return agentloop.NewSliceStream(t.Deltas...), nil
	}
	return agentloop.NewSliceStream(DeltasFor(t.Message, t.Usage)...), nil
}

// Requests returns every request received so far.
func (g *ScriptedGateway) Requests() []*agentloop.CompletionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.requests)
}

// CallCount returns the number of requests received.
func (g *ScriptedGateway) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// DeltasFor splits a message into the deltas a provider would stream: reasoning, text in
// two halves, then per tool call a start fragment and an id-less continuation.
func DeltasFor(m agentloop.Message, usage *agentloop.Usage) []agentloop.Delta {
	var out []agentloop.Delta
	if m.Reasoning != "" {
		out = append(out, agentloop.Delta{Thinking: m.Reasoning})
	}
	if m.Content != "" {
		half := len(m.Content) / 2
		out = append(out, agentloop.Delta{Text: m.Content[:half]}, agentloop.Delta{Text: m.Content[half:]})
	}
	for _, c := range m.ToolCalls {
		args := string(c.Args)
		half := len(args) / 2
		out = append(out,
			agentloop.Delta{ToolCalls: []agentloop.ToolCallDelta{{ID: c.ID, Name: c.ToolName, Arguments: args[:half]}}},
			agentloop.Delta{ToolCalls: []agentloop.ToolCallDelta{{Arguments: args[half:]}}},
		)
	}
	if usage != nil {
		out = append(out, agentloop.Delta{Usage: usage})
	}
	return out
}

var _ agentloop.Gateway = (*ScriptedGateway)(nil)
