package agentloop

import (
	"context"
)

// Stream runs the loop on thread in streaming mode. Events are delivered on the returned
// channel, which is closed when the run ends. The last event is execution_complete
// (Result set) or execution_error (Err set). The caller must drain the channel or cancel ctx.
func (e *Engine) Stream(ctx context.Context, thread *Thread, opts ...RunOption) (<-chan Event, error) {
	if thread == nil {
		return nil, errNilThread
	}
	out := make(chan Event, e.opts.relayBuffer)
	r := e.newRunner(ctx, thread, out, opts)
	r.streaming = true
	go func() {
		defer close(out)
		res, err := r.run(ctx)
		if err != nil {
			r.events.emit(Event{Kind: EventExecutionError, Err: err})
			return
		}
		r.events.emit(Event{Kind: EventExecutionComplete, Result: res})
	}()
	return out, nil
}

// StreamID loads the thread from the store and streams it.
func (e *Engine) StreamID(ctx context.Context, id string, opts ...RunOption) (<-chan Event, error) {
	thread, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Stream(ctx, thread, opts...)
}

// StreamRaw runs the loop in streaming mode and forwards the gateway's deltas unchanged,
// for callers that re-encode them in a provider wire format. Tools still run between
// turns. Both channels are closed when the run ends; at most one error is sent.
func (e *Engine) StreamRaw(ctx context.Context, thread *Thread, opts ...RunOption) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, e.opts.relayBuffer)
	errc := make(chan error, 1)
	if thread == nil {
		close(deltas)
		errc <- errNilThread
		close(errc)
		return deltas, errc
	}
	r := e.newRunner(ctx, thread, nil, opts)
	r.streaming = true
	r.onDelta = func(d Delta) bool {
		select {
		case deltas <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(errc)
		defer close(deltas)
		if _, err := r.run(ctx); err != nil {
			errc <- err
		}
	}()
	return deltas, errc
}

// Collect drains an event stream and returns the final result or error.
func Collect(events <-chan Event) (*Result, error) {
	var (
		res *Result
		err error = ErrStreamAborted
	)
	for ev := range events {
		switch ev.Kind {
		case EventExecutionComplete:
			res, err = ev.Result, nil
		case EventExecutionError:
			res, err = nil, ev.Err
		}
	}
	return res, err
}
