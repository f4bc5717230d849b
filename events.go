package agentloop

import (
	"context"
	"sync/atomic"
	"time"
)

// EventKind names a streaming event. Consumers must ignore kinds they do not know.
type EventKind string

const (
	EventIterationStart    EventKind = "iteration_start"
	EventLLMRequest        EventKind = "llm_request"
	EventLLMResponse       EventKind = "llm_response"
	EventLLMStreamChunk    EventKind = "llm_stream_chunk"
	EventLLMThinkingChunk  EventKind = "llm_thinking_chunk"
	EventToolSelected      EventKind = "tool_selected"
	EventToolProgress      EventKind = "tool_progress"
	EventToolResult        EventKind = "tool_result"
	EventToolError         EventKind = "tool_error"
	EventMessageCreated    EventKind = "message_created"
	EventIterationLimit    EventKind = "iteration_limit"
	EventExecutionComplete EventKind = "execution_complete"
	EventExecutionError    EventKind = "execution_error"
)

// Event is one observation of a streamed run. Only the payload fields that belong
// to Kind are set. Events are not modified after they are sent.
type Event struct {
	Kind      EventKind
	Seq       uint64
	RunID     string
	Time      time.Time
	Iteration int

	// Text is the fragment of llm_stream_chunk and llm_thinking_chunk.
	Text     string
	Request  *CompletionRequest
	Message  *Message
	ToolCall *ToolCall
	Outcome  *ToolOutcome
	Progress *Progress
	Result   *Result
	Err      error
}

// emitter stamps and delivers events for one run. A nil channel turns it into a no-op.
type emitter struct {
	ctx       context.Context
	out       chan<- Event
	runID     string
	seq       atomic.Uint64
	iteration int
}

func newEmitter(ctx context.Context, runID string, out chan<- Event) *emitter {
	return &emitter{ctx: ctx, out: out, runID: runID}
}

func (e *emitter) live() bool { return e.out != nil }

// emit sends ev unless the run's context is done.
func (e *emitter) emit(ev Event) {
	if e.out == nil {
		return
	}
	ev.Seq = e.seq.Add(1)
	ev.RunID = e.runID
	ev.Time = time.Now()
	ev.Iteration = e.iteration
	select {
	case e.out <- ev:
	case <-e.ctx.Done():
	}
}
