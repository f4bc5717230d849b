package agentloop

import (
	"context"
	"errors"
	"fmt"
)

// StopReason tells why a run ended.
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopInterrupted   StopReason = "interrupted"
	StopMaxIterations StopReason = "max_iterations"
	StopGatewayError  StopReason = "gateway_error"
)

// MaxIterationsMessage is the advisory assistant message appended when a run hits its iteration cap.
const MaxIterationsMessage = "Maximum iteration count reached. Stopping before the task was finished."

// Result is the outcome of a completed run.
type Result struct {
	Thread *Thread
	// Messages are the messages appended by this run, in order.
	Messages []Message
	// Content is the text of the last assistant message with text, if any.
	Content    string
	HasContent bool
	// Iterations counts gateway calls made by the run.
	Iterations int
	Usage      Usage
	StopReason StopReason
}

// Engine drives the request, execute, append loop. An Engine is safe for concurrent
// runs on different threads.
type Engine struct {
	gateway  Gateway
	registry *Registry
	opts     engineOptions
}

var errNilGateway = errors.New("agentloop: gateway must not be nil")

// New creates an Engine. A nil registry is replaced by an empty one.
func New(gateway Gateway, registry *Registry, opts ...Option) (*Engine, error) {
	if gateway == nil {
		return nil, errNilGateway
	}
	if registry == nil {
		registry = NewRegistry()
	}
	o := defaultEngineOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{gateway: gateway, registry: registry, opts: o}, nil
}

// Registry returns the engine's tool registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Run executes the loop on thread until the model stops calling tools, an interrupt
// tool succeeds, or the iteration cap is reached. thread is appended to in place.
func (e *Engine) Run(ctx context.Context, thread *Thread, opts ...RunOption) (*Result, error) {
	if thread == nil {
		return nil, errNilThread
	}
	return e.newRunner(ctx, thread, nil, opts).run(ctx)
}

// RunID loads the thread from the store and runs it.
func (e *Engine) RunID(ctx context.Context, id string, opts ...RunOption) (*Result, error) {
	thread, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, thread, opts...)
}

var errNilThread = errors.New("agentloop: thread must not be nil")

func (e *Engine) load(ctx context.Context, id string) (*Thread, error) {
	if e.opts.store == nil {
		return nil, ErrNoStore
	}
	thread, err := e.opts.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load thread %s: %w", id, err)
	}
	return thread, nil
}
