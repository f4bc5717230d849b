package agentloop

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry holds tools and executes them with timeouts, a bounded worker pool for
// blocking tools, and optional panic recovery. It is read-only while a run executes.
type Registry struct {
	tools       map[string]Tool // wrapped with middlewares, used by Execute
	rawTools    map[string]Tool // unwrapped, used by Use() to re-apply middlewares from scratch
	sem         chan struct{}
	opts        registryOptions
	done        chan struct{}
	running     sync.WaitGroup
	mu          sync.RWMutex
	middlewares []Middleware
}

// NewRegistry creates a Registry with the given options.
func NewRegistry(opts ...RegistryOption) *Registry {
	o := registryOptions{
		maxConcurrency: 10,
		recoverPanics:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	var sem chan struct{}
	if o.maxConcurrency > 0 {
		sem = make(chan struct{}, o.maxConcurrency)
	}
	return &Registry{
		tools:    make(map[string]Tool),
		rawTools: make(map[string]Tool),
		sem:      sem,
		opts:     o,
		done:     make(chan struct{}),
	}
}

// Register adds a tool. Stored middlewares (see Use) are applied before registration.
// Names are unique: a second tool with the same name fails with ErrDuplicateTool.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.rawTools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.rawTools[name] = t
	r.tools[name] = r.wrap(t)
	return nil
}

// MustRegister registers every tool and panics on the first failure.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Tools returns all registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns the gateway-facing definitions of all tools, sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	tools := r.Tools()
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = Definition(t)
	}
	return out
}

// Resolve returns the tool with the given name (after middlewares are applied).
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs one tool call. Tool failures (unknown tool, invalid arguments, handler
// errors, timeouts, panics) are reported in the outcome. The returned error is non-nil
// only for a MissingToolContextError, which must abort the run.
//
// tc is copied for the call and stamped with the call name and id. When progress is
// non-nil it is combined with tc's own callback. Tools with an optional context get nil
// when tc is nil, whatever progress is.
func (r *Registry) Execute(ctx context.Context, call ToolCall, tc *ToolContext, progress ProgressFunc) (out ToolOutcome, err error) {
	out = ToolOutcome{CallID: call.ID, ToolName: call.ToolName}
	r.mu.RLock()
	select {
	case <-r.done:
		r.mu.RUnlock()
		out.Err = ErrShutdown
		return out, nil
	default:
	}
	t, ok := r.tools[call.ToolName]
	if !ok {
		r.mu.RUnlock()
		out.Err = fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)
		return out, nil
	}
	r.running.Add(1)
	r.mu.RUnlock()
	defer r.running.Done()

	mode := ContextNone
	timeout := r.opts.timeout
	blocking := false
	if tm, ok := t.(ToolMetadata); ok {
		mode = tm.ContextMode()
		out.Attributes = tm.Attributes()
		blocking = tm.Blocking()
		if tm.Timeout() > 0 {
			timeout = tm.Timeout()
		}
	}

	var callCtx *ToolContext
	switch mode {
	case ContextRequired:
		if tc == nil {
			return out, &MissingToolContextError{ToolName: call.ToolName, CallID: call.ID}
		}
		callCtx = tc.bind(call, progress)
	case ContextOptional:
		if tc != nil {
			callCtx = tc.bind(call, progress)
		}
	}

	if blocking {
		if err := r.acquireSemaphore(ctx); err != nil {
			out.Err = err
			if errors.Is(err, context.DeadlineExceeded) {
				out.Err = ErrTimeout
			}
			return out, nil
		}
		defer r.releaseSemaphore()
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	// Recover defer is registered after onAfter so it runs first on panic and sets out.Err before the hook runs.
	defer func() {
		out.Duration = time.Since(start)
		if r.opts.onAfter != nil {
			r.opts.onAfter(ctx, call, out, out.Duration)
		}
	}()
	if r.opts.recoverPanics {
		defer func() {
			if p := recover(); p != nil {
				out.Result = ToolResult{}
				out.Err = &SystemError{Err: &panicError{p: p}}
			}
		}()
	}

	if r.opts.onBefore != nil {
		r.opts.onBefore(ctx, call)
	}

	res, execErr := t.Execute(ctx, NormalizeArgs(call.Args), callCtx)
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) && !errors.Is(execErr, ErrTimeout) {
			execErr = fmt.Errorf("%w: %w", ErrTimeout, execErr)
		}
		out.Err = execErr
		return out, nil
	}
	out.Result = res
	return out, nil
}

func (r *Registry) acquireSemaphore(ctx context.Context) error {
	if r.sem == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) releaseSemaphore() {
	if r.sem != nil {
		<-r.sem
	}
}

// BatchOptions configures ExecuteBatch.
type BatchOptions struct {
	// Context returns the tool context template for a call; nil means none was supplied.
	Context func(ToolCall) *ToolContext
	// Progress is invoked concurrently from every call of the batch.
	Progress ProgressFunc
}

// ExecuteBatch runs all calls concurrently and returns their outcomes in call order.
// A failing call does not cancel the others. The error is the first fatal error
// (see Execute); outcomes are still filled for every call.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []ToolCall, opts BatchOptions) ([]ToolOutcome, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	outcomes := make([]ToolOutcome, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			var tc *ToolContext
			if opts.Context != nil {
				tc = opts.Context(call)
			}
			out, err := r.Execute(ctx, call, tc, opts.Progress)
			outcomes[i] = out
			return err
		})
	}
	err := g.Wait()
	return outcomes, err
}

// Shutdown closes the registry for new calls and waits for in-flight executions or ctx to cancel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil
	default:
		close(r.done)
	}
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
