package agentloop_test

import (
	"context"
	"fmt"

	"github.com/skosovsky/agentloop"
	"github.com/skosovsky/agentloop/testutil"
)

type addArgs struct {
	A float64 `json:"a" jsonschema:"description=First addend"`
	B float64 `json:"b" jsonschema:"description=Second addend"`
}

func ExampleEngine_Run() {
	add, err := agentloop.NewTool("add", "Add two numbers", func(_ context.Context, a addArgs) (float64, error) {
		return a.A + a.B, nil
	})
	if err != nil {
		panic(err)
	}
	reg := agentloop.NewRegistry()
	reg.MustRegister(add)

	gw := testutil.NewScriptedGateway(
		testutil.Calls(testutil.Call("call_1", "add", `{"a":2,"b":3}`)),
		testutil.Text("2 + 3 = 5"),
	)
	eng, err := agentloop.New(gw, reg, agentloop.WithSystemPrompt("You are a calculator."))
	if err != nil {
		panic(err)
	}

	res, err := eng.Run(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("What is 2+3?")))
	if err != nil {
		panic(err)
	}
	for _, m := range res.Messages {
		if m.Role == agentloop.RoleTool {
			fmt.Printf("%s -> %s\n", m.ToolName, m.Content)
		}
	}
	fmt.Println(res.Content)
	fmt.Println(res.StopReason)
	// Output:
	// add -> 5
	// 2 + 3 = 5
	// completed
}

func ExampleCollect() {
	gw := testutil.NewScriptedGateway(testutil.Text("Hello there"))
	eng, err := agentloop.New(gw, nil)
	if err != nil {
		panic(err)
	}
	events, err := eng.Stream(context.Background(), agentloop.NewThread(agentloop.NewUserMessage("hi")))
	if err != nil {
		panic(err)
	}
	res, err := agentloop.Collect(events)
	if err != nil {
		panic(err)
	}
	fmt.Println(res.Content)
	// Output: Hello there
}

func ExampleRunStructuredAs() {
	type verdict struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	gw := testutil.NewScriptedGateway(testutil.Calls(
		testutil.Call("o1", agentloop.DefaultOutputToolName, `{"approved":true,"reason":"within budget"}`),
	))
	eng, err := agentloop.New(gw, nil)
	if err != nil {
		panic(err)
	}
	v, _, err := agentloop.RunStructuredAs[verdict](context.Background(), eng,
		agentloop.NewThread(agentloop.NewUserMessage("Approve the $40 expense?")))
	if err != nil {
		panic(err)
	}
	fmt.Println(v.Approved, v.Reason)
	// Output: true within budget
}
