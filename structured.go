package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RetryPolicy bounds structured output retries. The wait before retry n is Backoff*n.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy allows three corrections with a 500ms linear backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: 500 * time.Millisecond}
}

func (p RetryPolicy) sanitized() RetryPolicy {
	p.MaxRetries = max(p.MaxRetries, 0)
	p.Backoff = max(p.Backoff, 0)
	return p
}

// RetryRecord describes one rejected output attempt.
type RetryRecord struct {
	Attempt int
	Errors  []string
	Raw     string
}

// StructuredResult is a run that ended with a value accepted by the output schema.
type StructuredResult struct {
	Result
	Value        json.RawMessage
	Retries      int
	RetryHistory []RetryRecord
}

// outputTool is the synthetic tool through which the model submits its answer.
// It is offered to the gateway but never registered or executed.
type outputTool struct {
	name     string
	schema   map[string]any
	compiled *jsonschema.Schema
	// check runs after schema validation, e.g. Validatable on a typed value.
	check func(json.RawMessage) error
}

func newOutputTool(name string, schema map[string]any) (*outputTool, error) {
	if schema == nil {
		return nil, errors.New("output schema must not be nil")
	}
	schemaCopy, err := cloneSchema(schema)
	if err != nil {
		return nil, err
	}
	stripSchemaIDs(schemaCopy)
	compiled, err := compileSchema(schemaCopy)
	if err != nil {
		return nil, err
	}
	return &outputTool{name: name, schema: schemaCopy, compiled: compiled}, nil
}

func (o *outputTool) definition() ToolDefinition {
	return ToolDefinition{
		Name:        o.name,
		Description: "Submit the final answer. The arguments are the answer and must match this schema.",
		Parameters:  o.schema,
	}
}

func (o *outputTool) instruction() string {
	return fmt.Sprintf("When you have the final answer, call the %q tool once with arguments matching its schema. Do not reply with plain text.", o.name)
}

func (o *outputTool) reminder() string {
	return fmt.Sprintf("Reminder: you must submit your answer by calling the %q tool.", o.name)
}

// validate checks raw argument text and returns the accepted value or the list of problems.
func (o *outputTool) validate(raw string) (json.RawMessage, []string) {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, []string{"invalid JSON: " + err.Error()}
	}
	if err := o.compiled.Validate(inst); err != nil {
		return nil, validationIssues(err)
	}
	value := NormalizeArgs([]byte(raw))
	if o.check != nil {
		if err := o.check(value); err != nil {
			var ce *ClientError
			if errors.As(err, &ce) {
				return nil, []string{ce.Reason}
			}
			return nil, []string{err.Error()}
		}
	}
	return value, nil
}

func (o *outputTool) feedback(issues []string) string {
	var b strings.Builder
	b.WriteString("error: output validation failed:\n")
	for _, issue := range issues {
		b.WriteString("- ")
		b.WriteString(issue)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Call the %q tool again with corrected arguments.", o.name)
	return b.String()
}

// RunStructured runs the loop until the model submits a value matching schema through the
// output tool. Rejected submissions are reported back to the model and retried under the
// engine's RetryPolicy.
func (e *Engine) RunStructured(ctx context.Context, thread *Thread, schema map[string]any, opts ...RunOption) (*StructuredResult, error) {
	if thread == nil {
		return nil, errNilThread
	}
	ot, err := newOutputTool(e.opts.outputToolName, schema)
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}
	return e.runStructured(ctx, thread, ot, opts)
}

// RunStructuredAs is RunStructured with the schema reflected from T and the value decoded
// into T. Validate on T (see Validatable) counts as validation, so its failures are retried.
func RunStructuredAs[T any](ctx context.Context, e *Engine, thread *Thread, opts ...RunOption) (T, *StructuredResult, error) {
	var zero T
	if thread == nil {
		return zero, nil, errNilThread
	}
	ext, err := NewExtractor[T](false)
	if err != nil {
		return zero, nil, fmt.Errorf("output schema: %w", err)
	}
	ot, err := newOutputTool(e.opts.outputToolName, ext.Schema())
	if err != nil {
		return zero, nil, fmt.Errorf("output schema: %w", err)
	}
	var accepted T
	ot.check = func(raw json.RawMessage) error {
		v, err := ext.ParseAndValidate(raw)
		if err != nil {
			return err
		}
		accepted = v
		return nil
	}
	res, err := e.runStructured(ctx, thread, ot, opts)
	if err != nil {
		return zero, nil, err
	}
	return accepted, res, nil
}

func (e *Engine) runStructured(ctx context.Context, thread *Thread, ot *outputTool, opts []RunOption) (*StructuredResult, error) {
	if _, clash := e.registry.Resolve(ot.name); clash {
		return nil, fmt.Errorf("%w: %s is reserved for structured output", ErrDuplicateTool, ot.name)
	}
	return e.newRunner(ctx, thread, nil, opts).runStructured(ctx, ot)
}

func (r *runner) runStructured(ctx context.Context, ot *outputTool) (*StructuredResult, error) {
	policy := r.e.opts.retry
	tools := append(r.e.registry.Definitions(), ot.definition())
	system := joinPrompt(r.system, ot.instruction())

	var (
		retries    int
		history    []RetryRecord
		invoked    bool
		lastErrors []string
		lastRaw    string
	)
	fail := func(reason StructuredReason, err error) (*StructuredResult, error) {
		return nil, &StructuredOutputError{
			Reason:       reason,
			Errors:       lastErrors,
			LastResponse: lastRaw,
			Retries:      retries,
			History:      history,
			Err:          err,
		}
	}
	exhausted := func() (*StructuredResult, error) {
		if invoked {
			return fail(ReasonIterationLimit, nil)
		}
		return fail(ReasonOutputNotInvoked, nil)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.events.iteration = r.iterations

		msg, err := r.request(ctx, r.buildRequest(system, tools, ToolChoiceRequired))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return fail(ReasonGatewayError, &GatewayError{Iteration: r.iterations, Err: err})
		}
		r.append(msg)

		if !msg.HasToolCalls() {
			r.iterations++
			if r.iterations >= r.maxIterations {
				if err := r.persist(ctx); err != nil {
					return nil, err
				}
				return exhausted()
			}
			r.append(NewSystemMessage(ot.reminder()))
			if err := r.persist(ctx); err != nil {
				return nil, err
			}
			continue
		}

		var ordinary []ToolCall
		for _, call := range msg.ToolCalls {
			if call.ToolName != ot.name {
				ordinary = append(ordinary, call)
			}
		}
		outcomes, err := r.dispatch(ctx, ordinary)
		if err != nil {
			return nil, err
		}

		var (
			value       json.RawMessage
			attempted   bool
			issues      []string
			raw         string
			interrupted bool
			next        int
		)
		for _, call := range msg.ToolCalls {
			if call.ToolName != ot.name {
				o := outcomes[next]
				next++
				r.append(r.toolMessage(o))
				if o.IsInterrupt() {
					interrupted = true
				}
				continue
			}
			invoked = true
			if value != nil {
				r.append(r.outputMessage(call, "Structured output was already accepted.", false))
				continue
			}
			attempted = true
			raw = r.rawArgs[call.ID]
			v, errs := ot.validate(raw)
			if len(errs) > 0 {
				issues = errs
				r.append(r.outputMessage(call, ot.feedback(errs), true))
				continue
			}
			value = v
			r.append(r.outputMessage(call, "Structured output accepted.", false))
		}
		if err := r.persist(ctx); err != nil {
			return nil, err
		}

		if value != nil {
			return &StructuredResult{
				Result:       *r.finish(StopCompleted),
				Value:        value,
				Retries:      retries,
				RetryHistory: history,
			}, nil
		}
		if interrupted {
			return fail(ReasonInterrupted, nil)
		}
		if attempted {
			retries++
			lastErrors, lastRaw = issues, raw
			history = append(history, RetryRecord{Attempt: retries, Errors: issues, Raw: raw})
			r.logger.DebugContext(ctx, "structured output rejected", "attempt", retries, "errors", issues)
			if retries > policy.MaxRetries {
				return fail(ReasonValidationExhausted, nil)
			}
		}
		r.iterations++
		if r.iterations >= r.maxIterations {
			return exhausted()
		}
		if attempted {
			if err := r.e.opts.clock.Sleep(ctx, policy.Backoff*time.Duration(retries)); err != nil {
				return nil, err
			}
		}
	}
}

func (r *runner) outputMessage(call ToolCall, content string, isError bool) Message {
	m := r.assistantNote(content, isError)
	m.Role = RoleTool
	m.ToolCallID = call.ID
	m.ToolName = call.ToolName
	return m
}

func joinPrompt(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "\n\n" + extra
}
