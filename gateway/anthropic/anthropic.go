// Package anthropic adapts the Anthropic Messages API to agentloop.Gateway.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/skosovsky/agentloop"
)

const defaultMaxTokens = 4096

// Config configures a Gateway.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	HTTPClient *http.Client
}

// Gateway calls the Messages API.
type Gateway struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Gateway from cfg. Model is required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Gateway{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(maxTokens),
	}, nil
}

// Complete sends a non-streaming request.
func (g *Gateway) Complete(ctx context.Context, req *agentloop.CompletionRequest) (*agentloop.Completion, error) {
	params, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages: %w", err)
	}
	msg := agentloop.Message{Role: agentloop.RoleAssistant}
	var text, thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "thinking":
			thinking.WriteString(block.AsThinking().Thinking)
		case "tool_use":
			tu := block.AsToolUse()
			msg.ToolCalls = append(msg.ToolCalls, agentloop.ToolCall{
				ID:       tu.ID,
				ToolName: tu.Name,
				Args:     json.RawMessage(tu.Input),
			})
		}
	}
	msg.Content = text.String()
	msg.Reasoning = thinking.String()
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &agentloop.Completion{
		Message: msg,
		Usage:   &agentloop.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		TraceID: resp.ID,
	}, nil
}

// Stream sends a streaming request.
func (g *Gateway) Stream(ctx context.Context, req *agentloop.CompletionRequest) (agentloop.DeltaStream, error) {
	params, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}
	return &stream{s: g.client.Messages.NewStreaming(ctx, params)}, nil
}

// stream turns server-sent events into deltas. Events that carry nothing for the
// caller (pings, block stops) are skipped.
type stream struct {
	s       *ssestream.Stream[anthropic.MessageStreamEventUnion]
	traceID string
	input   int
}

func (s *stream) Recv() (agentloop.Delta, error) {
	for s.s.Next() {
		event := s.s.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			s.traceID = start.Message.ID
			s.input = int(start.Message.Usage.InputTokens)
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				return agentloop.Delta{
					TraceID:   s.traceID,
					ToolCalls: []agentloop.ToolCallDelta{{ID: tu.ID, Name: tu.Name}},
				}, nil
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				return agentloop.Delta{TraceID: s.traceID, Text: delta.Text}, nil
			case "thinking_delta":
				return agentloop.Delta{TraceID: s.traceID, Thinking: delta.Thinking}, nil
			case "input_json_delta":
				if delta.PartialJSON != "" {
					return agentloop.Delta{
						TraceID:   s.traceID,
						ToolCalls: []agentloop.ToolCallDelta{{Arguments: delta.PartialJSON}},
					}, nil
				}
			}
		case "message_delta":
			out := int(event.AsMessageDelta().Usage.OutputTokens)
			return agentloop.Delta{
				TraceID: s.traceID,
				Usage:   &agentloop.Usage{PromptTokens: s.input, CompletionTokens: out, TotalTokens: s.input + out},
			}, nil
		case "error":
			return agentloop.Delta{}, errors.New("anthropic: stream error event")
		}
	}
	if err := s.s.Err(); err != nil {
		return agentloop.Delta{}, fmt.Errorf("anthropic: stream: %w", err)
	}
	return agentloop.Delta{}, io.EOF
}

func (s *stream) Close() error { return s.s.Close() }

func (g *Gateway) buildParams(req *agentloop.CompletionRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		Messages:  convertMessages(req.Messages),
		MaxTokens: g.maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
		switch req.ToolChoice {
		case agentloop.ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case agentloop.ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		}
	}
	return params, nil
}

// convertMessages maps the thread onto alternating turns. Tool results become tool_result
// blocks of a user turn; consecutive user-side messages share one turn. System messages in
// the history are sent as tagged user text, since the API accepts a system prompt only up front.
func convertMessages(messages []agentloop.Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		pending []anthropic.ContentBlockParamUnion
	)
	flushUser := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}
	for _, m := range messages {
		switch m.Role {
		case agentloop.RoleAssistant:
			flushUser()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Args, &input); err != nil || input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.ToolName))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case agentloop.RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case agentloop.RoleSystem:
			pending = append(pending, anthropic.NewTextBlock("[system] "+m.Content))
		default:
			pending = append(pending, imageBlocks(m.Attachments)...)
			if m.Content != "" {
				pending = append(pending, anthropic.NewTextBlock(m.Content))
			}
		}
	}
	flushUser()
	return out
}

func imageBlocks(attachments []agentloop.Attachment) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, a := range attachments {
		if !strings.HasPrefix(a.MimeType, "image/") {
			continue
		}
		switch {
		case len(a.Data) > 0:
			blocks = append(blocks, anthropic.NewImageBlockBase64(a.MimeType, base64.StdEncoding.EncodeToString(a.Data)))
		case a.URL != "":
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: a.URL}))
		}
	}
	return blocks
}

func convertTools(tools []agentloop.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: tool %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

var _ agentloop.Gateway = (*Gateway)(nil)
