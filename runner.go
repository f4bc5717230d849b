package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

// runner holds the state of one run. It is used by a single goroutine.
type runner struct {
	e             *Engine
	thread        *Thread
	logger        *slog.Logger
	events        *emitter
	maxIterations int
	strict        bool
	system        string
	toolCtx       *ToolContext
	streaming     bool
	// onDelta receives raw deltas in StreamRaw mode; false means the consumer is gone.
	onDelta func(Delta) bool

	produced   []Message
	usage      Usage
	iterations int
	calls      int
	lastText   string
	hasText    bool
	// rawArgs maps call id to the argument text of the latest assistant message, before normalization.
	rawArgs map[string]string
}

func (e *Engine) newRunner(ctx context.Context, thread *Thread, out chan<- Event, opts []RunOption) *runner {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	runID := uuid.NewString()
	r := &runner{
		e:             e,
		thread:        thread,
		logger:        e.opts.logger.With("run_id", runID, "thread_id", thread.ID),
		events:        newEmitter(ctx, runID, out),
		maxIterations: e.opts.maxIterations,
		strict:        e.opts.strict,
		system:        e.opts.systemPrompt,
	}
	if ro.maxIterations != nil {
		r.maxIterations = *ro.maxIterations
	}
	if ro.strict != nil {
		r.strict = *ro.strict
	}
	if ro.systemPrompt != nil {
		r.system = *ro.systemPrompt
	}
	if e.opts.hasToolContext || ro.hasToolContext || ro.progress != nil {
		r.toolCtx = NewToolContext(mergeValues(e.opts.toolContext, ro.toolContext))
		r.toolCtx.Progress = ro.progress
	}
	return r
}

// run is the iteration state machine shared by Run and Stream.
func (r *runner) run(ctx context.Context) (*Result, error) {
	tools := r.e.registry.Definitions()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.events.iteration = r.iterations
		r.events.emit(Event{Kind: EventIterationStart})

		msg, err := r.request(ctx, r.buildRequest(r.system, tools, ToolChoiceAuto))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			gerr := &GatewayError{Iteration: r.iterations, Err: err}
			if r.strict {
				return nil, gerr
			}
			r.logger.WarnContext(ctx, "gateway call failed", "iteration", r.iterations, "error", err)
			r.append(r.gatewayErrorMessage(err))
			if err := r.persist(ctx); err != nil {
				return nil, err
			}
			return r.finish(StopGatewayError), nil
		}
		r.append(msg)

		if !msg.HasToolCalls() {
			if err := r.persist(ctx); err != nil {
				return nil, err
			}
			return r.finish(StopCompleted), nil
		}

		outcomes, err := r.dispatch(ctx, msg.ToolCalls)
		if err != nil {
			return nil, err
		}
		interrupted := false
		for _, o := range outcomes {
			r.append(r.toolMessage(o))
			if o.IsInterrupt() {
				interrupted = true
			}
		}
		if err := r.persist(ctx); err != nil {
			return nil, err
		}
		if interrupted {
			r.logger.DebugContext(ctx, "interrupt tool fired", "iteration", r.iterations)
			return r.finish(StopInterrupted), nil
		}

		r.iterations++
		if r.iterations >= r.maxIterations {
			r.events.emit(Event{Kind: EventIterationLimit})
			r.append(r.assistantNote(MaxIterationsMessage, false))
			if err := r.persist(ctx); err != nil {
				return nil, err
			}
			return r.finish(StopMaxIterations), nil
		}
	}
}

func (r *runner) buildRequest(system string, tools []ToolDefinition, choice ToolChoice) *CompletionRequest {
	return &CompletionRequest{
		System:     system,
		Messages:   slices.Clone(r.thread.Messages),
		Tools:      tools,
		ToolChoice: choice,
	}
}

// request performs one gateway call and returns the normalized assistant message.
func (r *runner) request(ctx context.Context, req *CompletionRequest) (Message, error) {
	if err := r.resolveAttachments(ctx, req); err != nil {
		return Message{}, err
	}
	r.calls++
	r.events.emit(Event{Kind: EventLLMRequest, Request: req})
	start := r.e.opts.clock.Now()

	var (
		c   *Completion
		raw map[string]string
		err error
	)
	if r.streaming {
		c, raw, err = r.streamCompletion(ctx, req)
	} else {
		c, err = r.e.gateway.Complete(ctx, req)
	}
	if err != nil {
		return Message{}, err
	}
	if c == nil {
		return Message{}, ErrEmptyResponse
	}

	msg := c.Message
	r.rawArgs = make(map[string]string, len(msg.ToolCalls))
	var calls []ToolCall
	for _, call := range msg.ToolCalls {
		if call.ID == "" {
			call.ID = newCallID()
		}
		if text, ok := raw[call.ID]; ok {
			r.rawArgs[call.ID] = text
		} else {
			r.rawArgs[call.ID] = string(call.Args)
		}
		call.Args = NormalizeArgs(call.Args)
		calls = append(calls, call)
	}
	if msg.Content == "" && len(calls) == 0 {
		return Message{}, ErrEmptyResponse
	}

	now := r.e.opts.clock.Now()
	msg.ID = uuid.NewString()
	msg.Role = RoleAssistant
	msg.ToolCalls = calls
	msg.CreatedAt = now
	msg.Metrics = &Metrics{Duration: now.Sub(start), Usage: c.Usage, TraceID: c.TraceID}
	r.usage.add(c.Usage)
	if msg.Content != "" {
		r.lastText, r.hasText = msg.Content, true
	}
	r.events.emit(Event{Kind: EventLLMResponse, Message: &msg})
	r.logger.DebugContext(ctx, "model responded", "iteration", r.iterations, "tool_calls", len(calls))
	return msg, nil
}

// streamCompletion drains a delta stream into a Completion. It also returns the raw
// argument text per call id.
func (r *runner) streamCompletion(ctx context.Context, req *CompletionRequest) (*Completion, map[string]string, error) {
	stream, err := r.e.gateway.Stream(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	rec := newReconstructor()
	for {
		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if r.onDelta != nil && !r.onDelta(d) {
			return nil, nil, fmt.Errorf("%w: %w", ErrStreamAborted, context.Cause(ctx))
		}
		rec.add(d)
		if d.Thinking != "" {
			r.events.emit(Event{Kind: EventLLMThinkingChunk, Text: d.Thinking})
		}
		if d.Text != "" {
			r.events.emit(Event{Kind: EventLLMStreamChunk, Text: d.Text})
		}
	}
	return rec.completion(), rec.rawArguments(), nil
}

func (r *runner) resolveAttachments(ctx context.Context, req *CompletionRequest) error {
	files := r.e.opts.files
	if files == nil {
		return nil
	}
	for i := range req.Messages {
		m := &req.Messages[i]
		if len(m.Attachments) == 0 {
			continue
		}
		resolved := make([]Attachment, len(m.Attachments))
		for j, a := range m.Attachments {
			ra, err := files.Resolve(ctx, a)
			if err != nil {
				return fmt.Errorf("resolve attachment %q: %w", a.Name, err)
			}
			resolved[j] = ra
		}
		m.Attachments = resolved
	}
	return nil
}

// dispatch executes calls concurrently and returns their outcomes in call order.
func (r *runner) dispatch(ctx context.Context, calls []ToolCall) ([]ToolOutcome, error) {
	for i := range calls {
		r.events.emit(Event{Kind: EventToolSelected, ToolCall: &calls[i]})
	}
	opts := BatchOptions{Context: r.contextFor}
	var (
		outcomes []ToolOutcome
		err      error
	)
	if r.events.live() {
		outcomes, err = r.relayBatch(ctx, calls, opts)
	} else {
		outcomes, err = r.e.registry.ExecuteBatch(ctx, calls, opts)
	}
	if err != nil {
		return nil, err
	}
	for i := range outcomes {
		o := &outcomes[i]
		if o.OK() {
			r.events.emit(Event{Kind: EventToolResult, ToolCall: &calls[i], Outcome: o})
			continue
		}
		if IsSystemError(o.Err) {
			r.logger.WarnContext(ctx, "tool failed", "tool", o.ToolName, "call_id", o.CallID, "error", errors.Unwrap(o.Err))
		} else {
			r.logger.DebugContext(ctx, "tool returned an error", "tool", o.ToolName, "call_id", o.CallID, "error", o.Err)
		}
		r.events.emit(Event{Kind: EventToolError, ToolCall: &calls[i], Outcome: o, Err: o.Err})
	}
	return outcomes, nil
}

// relayBatch runs the batch on its own goroutine and forwards progress reports as
// events while the tools run.
func (r *runner) relayBatch(ctx context.Context, calls []ToolCall, opts BatchOptions) ([]ToolOutcome, error) {
	relay := make(chan Progress, r.e.opts.relayBuffer)
	opts.Progress = func(p Progress) {
		select {
		case relay <- p:
		case <-ctx.Done():
		}
	}
	var (
		outcomes []ToolOutcome
		err      error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		outcomes, err = r.e.registry.ExecuteBatch(ctx, calls, opts)
	}()
	for {
		select {
		case p := <-relay:
			r.emitProgress(p)
		case <-done:
			for {
				select {
				case p := <-relay:
					r.emitProgress(p)
				default:
					return outcomes, err
				}
			}
		}
	}
}

func (r *runner) emitProgress(p Progress) {
	r.events.emit(Event{Kind: EventToolProgress, Progress: &p})
}

func (r *runner) contextFor(ToolCall) *ToolContext { return r.toolCtx }

func (r *runner) toolMessage(o ToolOutcome) Message {
	m := Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		ToolCallID: o.CallID,
		ToolName:   o.ToolName,
		Metrics:    &Metrics{Duration: o.Duration},
		CreatedAt:  r.e.opts.clock.Now(),
	}
	if o.Err != nil {
		m.Content = toolErrorContent(o.Err)
		m.IsError = true
		return m
	}
	m.Content = o.Result.String()
	m.Attachments = o.Result.Attachments
	return m
}

func (r *runner) assistantNote(content string, isError bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		IsError:   isError,
		CreatedAt: r.e.opts.clock.Now(),
	}
}

func (r *runner) gatewayErrorMessage(err error) Message {
	return r.assistantNote("I could not get a response from the model: "+err.Error(), true)
}

// append adds messages to the thread and records them as produced by this run.
func (r *runner) append(msgs ...Message) {
	for _, m := range msgs {
		r.thread.Append(m)
		r.produced = append(r.produced, m)
		r.events.emit(Event{Kind: EventMessageCreated, Message: &m})
	}
}

// persist saves the thread once per turn. A failure aborts the run only in strict mode.
func (r *runner) persist(ctx context.Context) error {
	store := r.e.opts.store
	if store == nil {
		return nil
	}
	if err := store.Save(ctx, r.thread); err != nil {
		if r.strict {
			return fmt.Errorf("save thread %s: %w", r.thread.ID, err)
		}
		r.logger.WarnContext(ctx, "save thread failed", "error", err)
	}
	return nil
}

func (r *runner) finish(reason StopReason) *Result {
	return &Result{
		Thread:     r.thread,
		Messages:   slices.Clone(r.produced),
		Content:    r.lastText,
		HasContent: r.hasText,
		Iterations: r.calls,
		Usage:      r.usage,
		StopReason: reason,
	}
}

func newCallID() string { return "call_" + uuid.NewString() }
