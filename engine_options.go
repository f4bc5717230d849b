package agentloop

import (
	"context"
	"log/slog"
	"maps"
	"time"
)

const (
	DefaultMaxIterations  = 10
	DefaultRelayBuffer    = 64
	DefaultOutputToolName = "final_output"
)

// Clock abstracts time for the engine. Tests replace it to skip retry backoff.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type engineOptions struct {
	systemPrompt   string
	maxIterations  int
	strict         bool
	store          Store
	toolContext    map[string]any
	hasToolContext bool
	logger         *slog.Logger
	relayBuffer    int
	files          FileResolver
	outputToolName string
	retry          RetryPolicy
	clock          Clock
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(o *engineOptions) { o.systemPrompt = prompt }
}

// WithMaxIterations caps the number of tool turns per run. Negative values are treated as zero.
func WithMaxIterations(n int) Option {
	return func(o *engineOptions) { o.maxIterations = max(n, 0) }
}

// WithStrictErrors makes gateway and store failures abort the run with an error
// instead of ending it with an explanatory assistant message.
func WithStrictErrors(strict bool) Option {
	return func(o *engineOptions) { o.strict = strict }
}

// WithStore persists threads after every turn.
func WithStore(s Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithToolContext sets default tool context values. Supplying it (even empty) means
// tools that require a context can run.
func WithToolContext(values map[string]any) Option {
	return func(o *engineOptions) {
		o.toolContext = maps.Clone(values)
		o.hasToolContext = true
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRelayBuffer sizes the event channel and the tool progress relay.
func WithRelayBuffer(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.relayBuffer = n
		}
	}
}

// WithFileResolver maps attachments before each gateway call.
func WithFileResolver(r FileResolver) Option {
	return func(o *engineOptions) { o.files = r }
}

// WithOutputToolName renames the synthetic structured output tool.
func WithOutputToolName(name string) Option {
	return func(o *engineOptions) {
		if name != "" {
			o.outputToolName = name
		}
	}
}

// WithRetryPolicy sets the structured output retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *engineOptions) { o.retry = p.sanitized() }
}

// WithClock replaces the engine clock.
func WithClock(c Clock) Option {
	return func(o *engineOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

func defaultEngineOptions() engineOptions {
	return engineOptions{
		maxIterations:  DefaultMaxIterations,
		logger:         slog.Default(),
		relayBuffer:    DefaultRelayBuffer,
		outputToolName: DefaultOutputToolName,
		retry:          DefaultRetryPolicy(),
		clock:          realClock{},
	}
}

type runOptions struct {
	maxIterations  *int
	strict         *bool
	systemPrompt   *string
	toolContext    map[string]any
	hasToolContext bool
	progress       ProgressFunc
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithRunMaxIterations overrides the iteration cap for one run.
func WithRunMaxIterations(n int) RunOption {
	return func(o *runOptions) {
		n = max(n, 0)
		o.maxIterations = &n
	}
}

// WithRunStrictErrors overrides strict error handling for one run.
func WithRunStrictErrors(strict bool) RunOption {
	return func(o *runOptions) { o.strict = &strict }
}

// WithRunSystemPrompt overrides the system prompt for one run.
func WithRunSystemPrompt(prompt string) RunOption {
	return func(o *runOptions) { o.systemPrompt = &prompt }
}

// WithRunToolContext layers values over the engine's default tool context for one run.
func WithRunToolContext(values map[string]any) RunOption {
	return func(o *runOptions) {
		o.toolContext = maps.Clone(values)
		o.hasToolContext = true
	}
}

// WithProgress installs a progress callback on the tool context of every call in the run.
// It implies a tool context.
func WithProgress(fn ProgressFunc) RunOption {
	return func(o *runOptions) { o.progress = fn }
}
