package agentloop

import "strings"

type callBuffer struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// reconstructor rebuilds a whole assistant message from streamed deltas.
//
// A fragment with an unseen id starts a new call seeded with that fragment. A fragment
// without an id continues the most recently started call; a repeated id continues the
// call it names. Fragments that arrive before any call start one with a generated id.
type reconstructor struct {
	content  strings.Builder
	thinking strings.Builder
	calls    map[string]*callBuffer
	order    []*callBuffer
	current  *callBuffer
	usage    *Usage
	traceID  string
}

func newReconstructor() *reconstructor {
	return &reconstructor{calls: make(map[string]*callBuffer)}
}

func (r *reconstructor) add(d Delta) {
	r.content.WriteString(d.Text)
	r.thinking.WriteString(d.Thinking)
	for _, tc := range d.ToolCalls {
		r.addToolCall(tc)
	}
	if d.Usage != nil {
		u := *d.Usage
		r.usage = &u
	}
	if d.TraceID != "" {
		r.traceID = d.TraceID
	}
}

func (r *reconstructor) addToolCall(tc ToolCallDelta) {
	if tc.ID != "" {
		if buf, ok := r.calls[tc.ID]; ok {
			r.current = buf
			if buf.name.Len() == 0 {
				buf.name.WriteString(tc.Name)
			}
			buf.args.WriteString(tc.Arguments)
			return
		}
		r.start(tc.ID)
		r.current.name.WriteString(tc.Name)
		r.current.args.WriteString(tc.Arguments)
		return
	}
	if tc.Name == "" && tc.Arguments == "" {
		return
	}
	if r.current == nil {
		r.start(newCallID())
	}
	r.current.name.WriteString(tc.Name)
	r.current.args.WriteString(tc.Arguments)
}

func (r *reconstructor) start(id string) {
	buf := &callBuffer{id: id}
	r.calls[id] = buf
	r.order = append(r.order, buf)
	r.current = buf
}

// completion finalizes the accumulated state. Argument text that does not parse is replaced by {}.
func (r *reconstructor) completion() *Completion {
	msg := Message{
		Role:      RoleAssistant,
		Content:   r.content.String(),
		Reasoning: r.thinking.String(),
	}
	for _, buf := range r.order {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       buf.id,
			ToolName: buf.name.String(),
			Args:     NormalizeArgs([]byte(buf.args.String())),
		})
	}
	return &Completion{Message: msg, Usage: r.usage, TraceID: r.traceID}
}

// rawArguments returns the argument text of every call as it was received.
func (r *reconstructor) rawArguments() map[string]string {
	out := make(map[string]string, len(r.order))
	for _, buf := range r.order {
		out[buf.id] = buf.args.String()
	}
	return out
}
