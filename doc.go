// Package agentloop runs tool-calling conversations against a language model.
//
// # Overview
//
// An Engine takes a Thread, asks a Gateway for a completion, executes the tool
// calls the model requested concurrently through a Registry, appends the
// results to the thread and repeats. The loop stops when the model answers
// without calling a tool, when a tool marked as an interrupt succeeds, or when
// the iteration cap is reached.
//
// Pipeline: Thread → Gateway (completion or delta stream) → assistant Message →
// Registry.ExecuteBatch (fan-out, fan-in in call order) → tool Messages → Store.
//
// # Key concepts
//
//   - Two modes, one result: Run buffers whole completions, Stream reconstructs
//     them from deltas and emits Events. The conversation they produce is the same.
//   - Partial success: a failing tool becomes an error message for the model; the
//     other calls of the turn are unaffected.
//   - Tool context: per-call values merged from engine defaults and run options,
//     plus the call name/id and an optional progress callback.
//   - Structured output: RunStructured adds a synthetic output tool whose
//     arguments are validated against a JSON Schema, retrying with feedback.
//
// # Example
//
//	type Args struct {
//	    A float64 `json:"a"`
//	    B float64 `json:"b"`
//	}
//	add, err := agentloop.NewTool("add", "Add two numbers", func(_ context.Context, a Args) (float64, error) {
//	    return a.A + a.B, nil
//	})
//	if err != nil { ... }
//	reg := agentloop.NewRegistry()
//	reg.MustRegister(add)
//	eng, err := agentloop.New(gw, reg, agentloop.WithSystemPrompt("You are a calculator."))
//	res, err := eng.Run(ctx, agentloop.NewThread(agentloop.NewUserMessage("2+3?")))
package agentloop
