package agentloop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Tool attribute keys understood by the engine.
const (
	AttrType      = "type"
	AttrInterrupt = "interrupt"
)

// ToolCall is a single execution request as produced by the model.
type ToolCall struct {
	ID       string          `json:"id"`
	ToolName string          `json:"name"`
	Args     json.RawMessage `json:"arguments"`
}

// Attachment is an opaque file reference carried by a message.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Usage counts tokens consumed by one or more gateway calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Metrics describes how an assistant message was produced.
type Metrics struct {
	Duration time.Duration `json:"duration,omitempty"`
	Usage    *Usage        `json:"usage,omitempty"`
	TraceID  string        `json:"trace_id,omitempty"`
}

// Message is one entry of a Thread. Messages are not modified after they are appended.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	Reasoning   string       `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	ToolName    string       `json:"tool_name,omitempty"`
	IsError     bool         `json:"is_error,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Metrics     *Metrics     `json:"metrics,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewUserMessage returns a user message with a fresh id.
func NewUserMessage(content string, attachments ...Attachment) Message {
	return newMessage(RoleUser, content, attachments...)
}

// NewSystemMessage returns a system message with a fresh id.
func NewSystemMessage(content string) Message {
	return newMessage(RoleSystem, content)
}

func newMessage(role Role, content string, attachments ...Attachment) Message {
	return Message{
		ID:          uuid.NewString(),
		Role:        role,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
}

// HasToolCalls reports whether the message requests at least one tool call.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Thread is an ordered conversation. A thread has a single writer while a run is in progress.
type Thread struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

// NewThread creates a thread with a fresh id holding the given messages.
func NewThread(messages ...Message) *Thread {
	return &Thread{ID: uuid.NewString(), Messages: slices.Clone(messages)}
}

// Append adds messages to the end of the thread.
func (t *Thread) Append(messages ...Message) {
	t.Messages = append(t.Messages, messages...)
}

// Len returns the number of messages.
func (t *Thread) Len() int { return len(t.Messages) }

// Clone returns a copy whose message slice can be appended to independently.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	return &Thread{ID: t.ID, Messages: slices.Clone(t.Messages)}
}

// LastAssistantText returns the content of the latest assistant message with non-empty text.
func (t *Thread) LastAssistantText() (string, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		m := t.Messages[i]
		if m.Role == RoleAssistant && m.Content != "" {
			return m.Content, true
		}
	}
	return "", false
}

// ToolDefinition is the gateway-facing description of a tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolResult is what a tool returns on success.
type ToolResult struct {
	Value       any
	Attachments []Attachment
}

// String renders the result as the content of a tool message.
func (r ToolResult) String() string {
	switch v := r.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprint(r.Value)
	}
	return string(b)
}

// ToolOutcome is the result of one tool call: Ok when Err is nil, Err otherwise.
type ToolOutcome struct {
	CallID     string
	ToolName   string
	Result     ToolResult
	Err        error
	Duration   time.Duration
	Attributes map[string]string
}

// OK reports whether the call succeeded.
func (o ToolOutcome) OK() bool { return o.Err == nil }

// IsInterrupt reports whether a successful call came from a tool marked as an interrupt.
func (o ToolOutcome) IsInterrupt() bool {
	return o.Err == nil && o.Attributes[AttrType] == AttrInterrupt
}

var emptyArgs = json.RawMessage(`{}`)

// NormalizeArgs returns raw as a JSON document, substituting an empty object for
// empty, null or unparsable input.
func NormalizeArgs(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || !json.Valid(trimmed) {
		return slices.Clone(emptyArgs)
	}
	return json.RawMessage(slices.Clone(trimmed))
}
