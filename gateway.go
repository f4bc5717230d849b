package agentloop

import (
	"context"
	"io"
	"sync"
)

// ToolChoice tells the model whether it must call a tool.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
	ToolChoiceNone     ToolChoice = "none"
)

// CompletionRequest is one request to a Gateway.
type CompletionRequest struct {
	System     string
	Messages   []Message
	Tools      []ToolDefinition
	ToolChoice ToolChoice
}

// Completion is a whole (non-streamed) model response.
type Completion struct {
	Message Message
	Usage   *Usage
	TraceID string
}

// ToolCallDelta is one tool-call fragment. ID is set on the fragment that starts a
// call; continuation fragments leave it empty.
type ToolCallDelta struct {
	ID        string
	Name      string
	Arguments string
}

// Delta is one normalized streaming fragment. Adapters map provider-specific
// shapes (reasoning fields, indexed tool calls) onto it.
type Delta struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCallDelta
	Usage     *Usage
	TraceID   string
}

// DeltaStream yields deltas until Recv returns io.EOF. Close releases the
// underlying connection and is safe to call more than once.
type DeltaStream interface {
	Recv() (Delta, error)
	Close() error
}

// Gateway is the boundary to a language model provider.
type Gateway interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req *CompletionRequest) (DeltaStream, error)
}

// FileResolver maps message attachments before they are sent to a gateway,
// e.g. uploading local files and replacing them with provider URLs.
type FileResolver interface {
	Resolve(ctx context.Context, a Attachment) (Attachment, error)
}

// FileResolverFunc adapts a function to FileResolver.
type FileResolverFunc func(ctx context.Context, a Attachment) (Attachment, error)

func (f FileResolverFunc) Resolve(ctx context.Context, a Attachment) (Attachment, error) {
	return f(ctx, a)
}

// NewSliceStream returns a DeltaStream over a fixed sequence of deltas.
func NewSliceStream(deltas ...Delta) DeltaStream {
	return &sliceStream{deltas: deltas}
}

type sliceStream struct {
	mu     sync.Mutex
	deltas []Delta
	pos    int
	closed bool
}

func (s *sliceStream) Recv() (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.deltas) {
		return Delta{}, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
