// Package openai adapts the OpenAI chat completions API (and compatible servers) to
// agentloop.Gateway.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/skosovsky/agentloop"
)

// Config configures a Gateway.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint, e.g. for a compatible server. It must include /v1.
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	// MaxRetries bounds retries of rate-limited or 5xx request starts; the wait grows linearly by RetryDelay.
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Gateway calls the chat completions endpoint.
type Gateway struct {
	client *goopenai.Client
	cfg    Config
}

// New creates a Gateway from cfg. Model is required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return NewWithClient(goopenai.NewClientWithConfig(clientCfg), cfg), nil
}

// NewWithClient wraps an existing client. Only the request settings of cfg are used.
func NewWithClient(client *goopenai.Client, cfg Config) *Gateway {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Gateway{client: client, cfg: cfg}
}

// Complete sends a non-streaming request.
func (g *Gateway) Complete(ctx context.Context, req *agentloop.CompletionRequest) (*agentloop.Completion, error) {
	chatReq := g.buildRequest(req)
	var resp goopenai.ChatCompletionResponse
	err := g.retry(ctx, func() error {
		var err error
		resp, err = g.client.CreateChatCompletion(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, agentloop.ErrEmptyResponse
	}
	choice := resp.Choices[0].Message
	msg := agentloop.Message{
		Role:      agentloop.RoleAssistant,
		Content:   choice.Content,
		Reasoning: choice.ReasoningContent,
	}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, agentloop.ToolCall{
			ID:       tc.ID,
			ToolName: tc.Function.Name,
			Args:     []byte(tc.Function.Arguments),
		})
	}
	return &agentloop.Completion{Message: msg, Usage: convertUsage(&resp.Usage), TraceID: resp.ID}, nil
}

// Stream sends a streaming request. Usage arrives in the final delta.
func (g *Gateway) Stream(ctx context.Context, req *agentloop.CompletionRequest) (agentloop.DeltaStream, error) {
	chatReq := g.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	var s *goopenai.ChatCompletionStream
	err := g.retry(ctx, func() error {
		var err error
		s, err = g.client.CreateChatCompletionStream(ctx, chatReq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion stream: %w", err)
	}
	return &stream{s: s, ids: make(map[int]string)}, nil
}

// stream maps indexed tool-call chunks onto id-started fragments.
type stream struct {
	s   *goopenai.ChatCompletionStream
	ids map[int]string
}

func (s *stream) Recv() (agentloop.Delta, error) {
	resp, err := s.s.Recv()
	if err != nil {
		return agentloop.Delta{}, err
	}
	d := agentloop.Delta{TraceID: resp.ID}
	if resp.Usage != nil {
		d.Usage = convertUsage(resp.Usage)
	}
	if len(resp.Choices) == 0 {
		return d, nil
	}
	delta := resp.Choices[0].Delta
	d.Text = delta.Content
	d.Thinking = delta.ReasoningContent
	for _, tc := range delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		id := tc.ID
		if id != "" {
			if s.ids[index] == id {
				id = ""
			} else {
				s.ids[index] = id
			}
		}
		d.ToolCalls = append(d.ToolCalls, agentloop.ToolCallDelta{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return d, nil
}

func (s *stream) Close() error { return s.s.Close() }

func (g *Gateway) buildRequest(req *agentloop.CompletionRequest) goopenai.ChatCompletionRequest {
	chatReq := goopenai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    convertMessages(req.Messages, req.System),
		Temperature: g.cfg.Temperature,
	}
	if g.cfg.MaxTokens > 0 {
		chatReq.MaxTokens = g.cfg.MaxTokens
	}
	if len(req.Tools) > 0 && req.ToolChoice != agentloop.ToolChoiceNone {
		chatReq.Tools = convertTools(req.Tools)
		if req.ToolChoice != "" {
			chatReq.ToolChoice = string(req.ToolChoice)
		}
	}
	return chatReq
}

// retry runs start again on rate limits and server errors with a linear backoff.
func (g *Gateway) retry(ctx context.Context, start func() error) error {
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
		if err = start(); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func convertUsage(u *goopenai.Usage) *agentloop.Usage {
	if u == nil || (u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0) {
		return nil
	}
	return &agentloop.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func convertMessages(messages []agentloop.Message, system string) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case agentloop.RoleAssistant:
			msg := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.ToolName,
						Arguments: string(tc.Args),
					},
				})
			}
			out = append(out, msg)
		case agentloop.RoleTool:
			out = append(out, goopenai.ChatCompletionMessage{
				Role:       goopenai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case agentloop.RoleSystem:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: m.Content})
		default:
			out = append(out, userMessage(m))
		}
	}
	return out
}

// userMessage uses the multi-part form when the message carries images.
func userMessage(m agentloop.Message) goopenai.ChatCompletionMessage {
	var parts []goopenai.ChatMessagePart
	for _, a := range m.Attachments {
		url := imageURL(a)
		if url == "" {
			continue
		}
		parts = append(parts, goopenai.ChatMessagePart{
			Type:     goopenai.ChatMessagePartTypeImageURL,
			ImageURL: &goopenai.ChatMessageImageURL{URL: url, Detail: goopenai.ImageURLDetailAuto},
		})
	}
	if len(parts) == 0 {
		return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: m.Content}
	}
	if m.Content != "" {
		parts = append([]goopenai.ChatMessagePart{{Type: goopenai.ChatMessagePartTypeText, Text: m.Content}}, parts...)
	}
	return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, MultiContent: parts}
}

func imageURL(a agentloop.Attachment) string {
	if !strings.HasPrefix(a.MimeType, "image/") {
		return ""
	}
	if a.URL != "" {
		return a.URL
	}
	if len(a.Data) == 0 {
		return ""
	}
	return "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

func convertTools(tools []agentloop.ToolDefinition) []goopenai.Tool {
	out := make([]goopenai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

var _ agentloop.Gateway = (*Gateway)(nil)
