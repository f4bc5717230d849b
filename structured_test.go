package agentloop_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skosovsky/agentloop"
	"github.com/skosovsky/agentloop/testutil"
)

// fakeClock records sleeps instead of waiting.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

var totalSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"total": map[string]any{"type": "number"},
	},
	"required": []any{"total"},
}

func output(id, args string) testutil.Turn {
	return testutil.Calls(testutil.Call(id, agentloop.DefaultOutputToolName, args))
}

func structuredError(t *testing.T, err error) *agentloop.StructuredOutputError {
	t.Helper()
	var serr *agentloop.StructuredOutputError
	require.ErrorAs(t, err, &serr)
	return serr
}

func TestRunStructured_RetriesInvalidOutput(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	gw := testutil.NewScriptedGateway(output("o1", `{"total":"abc"}`), output("o2", `{"total":12.5}`))
	e := newEngine(t, gw, nil,
		agentloop.WithClock(clock),
		agentloop.WithSystemPrompt("You total invoices."),
		agentloop.WithRetryPolicy(agentloop.RetryPolicy{MaxRetries: 3, Backoff: time.Second}),
	)

	res, err := e.RunStructured(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("sum it")), totalSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":12.5}`, string(res.Value))
	assert.Equal(t, 1, res.Retries)
	require.Len(t, res.RetryHistory, 1)
	assert.Equal(t, 1, res.RetryHistory[0].Attempt)
	assert.Equal(t, `{"total":"abc"}`, res.RetryHistory[0].Raw)
	assert.NotEmpty(t, res.RetryHistory[0].Errors)
	assert.Equal(t, agentloop.StopCompleted, res.StopReason)
	assert.Equal(t, []time.Duration{time.Second}, clock.sleeps)

	reqs := gw.Requests()
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		assert.Equal(t, agentloop.ToolChoiceRequired, req.ToolChoice)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, agentloop.DefaultOutputToolName, req.Tools[0].Name)
		assert.True(t, strings.HasPrefix(req.System, "You total invoices."))
		assert.Contains(t, req.System, agentloop.DefaultOutputToolName)
	}
	feedback := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, agentloop.RoleTool, feedback.Role)
	assert.Equal(t, "o1", feedback.ToolCallID)
	assert.True(t, feedback.IsError)
	assert.True(t, strings.HasPrefix(feedback.Content, "error: output validation failed"), feedback.Content)
}

func TestRunStructured_Exhausted(t *testing.T) {
	clock := &fakeClock{}
	gw := testutil.NewScriptedGateway(
		output("o1", `{"total":`),
		output("o2", `{"sum":1}`),
		output("o3", `{"total":1}`),
	)
	e := newEngine(t, gw, nil,
		agentloop.WithClock(clock),
		agentloop.WithRetryPolicy(agentloop.RetryPolicy{MaxRetries: 1, Backoff: 10 * time.Millisecond}),
	)

	_, err := e.RunStructured(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("sum it")), totalSchema)
	serr := structuredError(t, err)
	assert.Equal(t, agentloop.ReasonValidationExhausted, serr.Reason)
	assert.Equal(t, 2, serr.Retries)
	require.Len(t, serr.History, 2)
	assert.Contains(t, serr.History[0].Errors[0], "invalid JSON")
	assert.Equal(t, `{"sum":1}`, serr.LastResponse)
	assert.NotEmpty(t, serr.Errors)
	assert.Equal(t, 2, gw.CallCount())
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, clock.sleeps)
}

func TestRunStructured_NotInvoked(t *testing.T) {
	gw := testutil.NewScriptedGateway(testutil.Text("The total is 3."), testutil.Text("Still 3."))
	e := newEngine(t, gw, nil, agentloop.WithMaxIterations(2), agentloop.WithClock(&fakeClock{}))
	thread := agentloop.NewThread(agentloop.NewUserMessage("sum it"))

	_, err := e.RunStructured(context.Background(), thread, totalSchema)
	serr := structuredError(t, err)
	assert.Equal(t, agentloop.ReasonOutputNotInvoked, serr.Reason)
	assert.Equal(t, 0, serr.Retries)

	reqs := gw.Requests()
	require.Len(t, reqs, 2)
	reminder := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, agentloop.RoleSystem, reminder.Role)
	assert.Contains(t, reminder.Content, agentloop.DefaultOutputToolName)
}

func TestRunStructured_IterationLimit(t *testing.T) {
	gw := testutil.NewScriptedGateway(output("o1", `{"total":"x"}`))
	e := newEngine(t, gw, nil, agentloop.WithMaxIterations(1), agentloop.WithClock(&fakeClock{}))

	_, err := e.RunStructured(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("sum it")), totalSchema)
	serr := structuredError(t, err)
	assert.Equal(t, agentloop.ReasonIterationLimit, serr.Reason)
	assert.Equal(t, 1, serr.Retries)
}

func TestRunStructured_Interrupted(t *testing.T) {
	reg := testutil.NewTestRegistry(interrupting("escalate", nil))
	gw := testutil.NewScriptedGateway(testutil.Calls(testutil.Call("c1", "escalate", `{}`)))
	e := newEngine(t, gw, reg, agentloop.WithClock(&fakeClock{}))

	_, err := e.RunStructured(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("sum it")), totalSchema)
	assert.Equal(t, agentloop.ReasonInterrupted, structuredError(t, err).Reason)
}

func TestRunStructured_GatewayError(t *testing.T) {
	upstream := errors.New("overloaded")
	gw := testutil.NewScriptedGateway(testutil.Fail(upstream))
	e := newEngine(t, gw, nil)

	_, err := e.RunStructured(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("sum it")), totalSchema)
	serr := structuredError(t, err)
	assert.Equal(t, agentloop.ReasonGatewayError, serr.Reason)
	require.ErrorIs(t, err, upstream)
	var gerr *agentloop.GatewayError
	require.ErrorAs(t, err, &gerr)
}

func TestRunStructured_ToolsAlongsideOutput(t *testing.T) {
	reg := testutil.NewTestRegistry(testutil.Echo("lookup"))
	gw := testutil.NewScriptedGateway(
		testutil.Calls(testutil.Call("l1", "lookup", `{"sku":"A"}`)),
		testutil.Calls(
			testutil.Call("l2", "lookup", `{"sku":"B"}`),
			testutil.Call("o1", agentloop.DefaultOutputToolName, `{"total":3}`),
			testutil.Call("o2", agentloop.DefaultOutputToolName, `{"total":4}`),
		),
	)
	e := newEngine(t, gw, reg, agentloop.WithClock(&fakeClock{}))

	res, err := e.RunStructured(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("sum it")), totalSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3}`, string(res.Value))
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 2, res.Iterations)

	tail := res.Messages[len(res.Messages)-3:]
	assert.Equal(t, "l2", tail[0].ToolCallID)
	assert.JSONEq(t, `{"sku":"B"}`, tail[0].Content)
	assert.Equal(t, "o1", tail[1].ToolCallID)
	assert.Equal(t, "Structured output accepted.", tail[1].Content)
	assert.Equal(t, "o2", tail[2].ToolCallID)
	assert.Equal(t, "Structured output was already accepted.", tail[2].Content)

	defs := gw.Requests()[0].Tools
	require.Len(t, defs, 2)
	assert.Equal(t, "lookup", defs[0].Name)
	assert.Equal(t, agentloop.DefaultOutputToolName, defs[1].Name)
}

func TestRunStructured_Setup(t *testing.T) {
	ctx := context.Background()
	thread := agentloop.NewThread(agentloop.NewUserMessage("x"))

	_, err := newEngine(t, testutil.NewScriptedGateway(), nil).RunStructured(ctx, nil, totalSchema)
	require.Error(t, err)

	_, err = newEngine(t, testutil.NewScriptedGateway(), nil).RunStructured(ctx, thread, nil)
	require.Error(t, err)

	_, err = newEngine(t, testutil.NewScriptedGateway(), nil).RunStructured(ctx, thread, map[string]any{"type": 12})
	require.Error(t, err)

	reg := testutil.NewTestRegistry(testutil.Echo("answer"))
	gw := testutil.NewScriptedGateway()
	_, err = newEngine(t, gw, reg, agentloop.WithOutputToolName("answer")).RunStructured(ctx, thread, totalSchema)
	require.ErrorIs(t, err, agentloop.ErrDuplicateTool)
	assert.Equal(t, 0, gw.CallCount())
}

type invoice struct {
	Customer string  `json:"customer"`
	Total    float64 `json:"total"`
}

func (i invoice) Validate() error {
	if i.Total <= 0 {
		return errors.New("total must be positive")
	}
	return nil
}

func TestRunStructuredAs(t *testing.T) {
	gw := testutil.NewScriptedGateway(
		output("o1", `{"customer":"acme","total":-5}`),
		output("o2", `{"customer":"acme","total":42}`),
	)
	e := newEngine(t, gw, nil, agentloop.WithClock(&fakeClock{}))

	inv, res, err := agentloop.RunStructuredAs[invoice](context.Background(), e,
		agentloop.NewThread(agentloop.NewUserMessage("invoice for acme")))
	require.NoError(t, err)
	assert.Equal(t, invoice{Customer: "acme", Total: 42}, inv)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, []string{"total must be positive"}, res.RetryHistory[0].Errors)

	schema := gw.Requests()[0].Tools[0].Parameters
	assert.Equal(t, "object", schema["type"])
}

var receiptChecks atomic.Int32

type receipt struct {
	Total float64 `json:"total"`
}

func (r receipt) Validate() error {
	receiptChecks.Add(1)
	return nil
}

func TestRunStructuredAs_ValidatesAcceptedValueOnce(t *testing.T) {
	receiptChecks.Store(0)
	gw := testutil.NewScriptedGateway(output("o1", `{"total":9.5}`))
	e := newEngine(t, gw, nil, agentloop.WithClock(&fakeClock{}))

	got, res, err := agentloop.RunStructuredAs[receipt](context.Background(), e,
		agentloop.NewThread(agentloop.NewUserMessage("receipt total")))
	require.NoError(t, err)
	assert.Equal(t, receipt{Total: 9.5}, got)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, int32(1), receiptChecks.Load())
}
