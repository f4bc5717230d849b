// Package agentotel adds OpenTelemetry tracing to tool execution and gateway calls.
package agentotel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skosovsky/agentloop"
)

// ScopeName is the instrumentation scope used for the tracer.
const ScopeName = "github.com/skosovsky/agentloop"

func tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(ScopeName)
}

// Middleware returns a registry middleware that wraps every tool execution in a span.
// A nil provider uses the global one.
func Middleware(tp trace.TracerProvider) agentloop.Middleware {
	t := tracer(tp)
	return func(next agentloop.Tool) agentloop.Tool {
		return agentloop.WrapTool(next, func(ctx context.Context, args json.RawMessage, tc *agentloop.ToolContext) (agentloop.ToolResult, error) {
			attrs := []attribute.KeyValue{attribute.String("agentloop.tool", next.Name())}
			if tc != nil {
				attrs = append(attrs, attribute.String("agentloop.call_id", tc.ToolCallID))
			}
			ctx, span := t.Start(ctx, "tool.execute", trace.WithAttributes(attrs...))
			defer span.End()

			res, err := next.Execute(ctx, args, tc)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "tool failed")
				span.SetAttributes(attribute.Bool("agentloop.client_error", agentloop.IsClientError(err)))
				return res, err
			}
			span.SetStatus(codes.Ok, "ok")
			return res, nil
		})
	}
}

type tracedGateway struct {
	inner  agentloop.Gateway
	tracer trace.Tracer
}

// WrapGateway traces Complete and Stream. A streaming span ends when the stream is
// drained, fails, or is closed.
func WrapGateway(gw agentloop.Gateway, tp trace.TracerProvider) agentloop.Gateway {
	return &tracedGateway{inner: gw, tracer: tracer(tp)}
}

func (g *tracedGateway) Complete(ctx context.Context, req *agentloop.CompletionRequest) (*agentloop.Completion, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(requestAttrs(req)...))
	defer span.End()

	c, err := g.inner.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway complete failed")
		return c, err
	}
	if c != nil {
		span.SetAttributes(attribute.Int("agentloop.response.tool_calls", len(c.Message.ToolCalls)))
		if c.TraceID != "" {
			span.SetAttributes(attribute.String("agentloop.response.id", c.TraceID))
		}
		addUsage(span, c.Usage)
	}
	span.SetStatus(codes.Ok, "ok")
	return c, nil
}

func (g *tracedGateway) Stream(ctx context.Context, req *agentloop.CompletionRequest) (agentloop.DeltaStream, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(requestAttrs(req)...))

	s, err := g.inner.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway stream failed")
		span.End()
		return nil, err
	}
	return &tracedStream{inner: s, span: span}, nil
}

type tracedStream struct {
	inner agentloop.DeltaStream
	span  trace.Span

	mu      sync.Mutex
	usage   *agentloop.Usage
	deltas  int
	endOnce sync.Once
}

func (s *tracedStream) Recv() (agentloop.Delta, error) {
	d, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.end(codes.Ok, "eof")
			return d, err
		}
		s.span.RecordError(err)
		s.end(codes.Error, "stream recv failed")
		return d, err
	}
	s.mu.Lock()
	s.deltas++
	if d.Usage != nil {
		u := *d.Usage
		s.usage = &u
	}
	s.mu.Unlock()
	return d, nil
}

func (s *tracedStream) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.span.RecordError(err)
		s.end(codes.Error, "stream close failed")
		return err
	}
	s.end(codes.Ok, "closed")
	return nil
}

func (s *tracedStream) end(code codes.Code, desc string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		usage, deltas := s.usage, s.deltas
		s.mu.Unlock()

		s.span.SetAttributes(attribute.Int("agentloop.stream.deltas", deltas))
		addUsage(s.span, usage)
		s.span.SetStatus(code, desc)
		s.span.End()
	})
}

func requestAttrs(req *agentloop.CompletionRequest) []attribute.KeyValue {
	if req == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Int("agentloop.request.messages", len(req.Messages)),
		attribute.Int("agentloop.request.tools", len(req.Tools)),
		attribute.String("agentloop.request.tool_choice", string(req.ToolChoice)),
	}
}

func addUsage(span trace.Span, u *agentloop.Usage) {
	if u == nil {
		return
	}
	span.AddEvent("gateway.usage", trace.WithAttributes(
		attribute.Int("prompt_tokens", u.PromptTokens),
		attribute.Int("completion_tokens", u.CompletionTokens),
		attribute.Int("total_tokens", u.TotalTokens),
	))
}
