// Package agentprom exports Prometheus metrics for tool executions and gateway calls.
package agentprom

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skosovsky/agentloop"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// Collector holds the metric vectors. Create one per registerer.
type Collector struct {
	ToolCalls       *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	ToolsInFlight   prometheus.Gauge
	GatewayRequests *prometheus.CounterVec
	GatewayTokens   *prometheus.CounterVec
}

// NewCollector registers the metrics with reg under namespace. A nil reg uses the
// default registerer.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool executions by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		ToolsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tools_in_flight",
			Help:      "Current number of running tool executions",
		}),
		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Total number of gateway requests by mode and status",
		}, []string{"mode", "status"}),
		GatewayTokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_tokens_total",
			Help:      "Total tokens reported by the gateway by kind",
		}, []string{"kind"}),
	}
}

// RegistryOptions returns the execution hooks that feed the tool metrics.
func (c *Collector) RegistryOptions() []agentloop.RegistryOption {
	return []agentloop.RegistryOption{
		agentloop.WithOnBeforeExecute(func(context.Context, agentloop.ToolCall) {
			c.ToolsInFlight.Inc()
		}),
		agentloop.WithOnAfterExecute(func(_ context.Context, call agentloop.ToolCall, out agentloop.ToolOutcome, d time.Duration) {
			c.ToolsInFlight.Dec()
			status := statusOK
			if !out.OK() {
				status = statusError
			}
			c.ToolCalls.WithLabelValues(call.ToolName, status).Inc()
			c.ToolDuration.WithLabelValues(call.ToolName).Observe(d.Seconds())
		}),
	}
}

func (c *Collector) observeUsage(u *agentloop.Usage) {
	if u == nil {
		return
	}
	c.GatewayTokens.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	c.GatewayTokens.WithLabelValues("completion").Add(float64(u.CompletionTokens))
}

// WrapGateway counts requests and tokens passing through gw.
func (c *Collector) WrapGateway(gw agentloop.Gateway) agentloop.Gateway {
	return &meteredGateway{inner: gw, c: c}
}

type meteredGateway struct {
	inner agentloop.Gateway
	c     *Collector
}

func (g *meteredGateway) Complete(ctx context.Context, req *agentloop.CompletionRequest) (*agentloop.Completion, error) {
	resp, err := g.inner.Complete(ctx, req)
	if err != nil {
		g.c.GatewayRequests.WithLabelValues("complete", statusError).Inc()
		return resp, err
	}
	g.c.GatewayRequests.WithLabelValues("complete", statusOK).Inc()
	if resp != nil {
		g.c.observeUsage(resp.Usage)
	}
	return resp, nil
}

func (g *meteredGateway) Stream(ctx context.Context, req *agentloop.CompletionRequest) (agentloop.DeltaStream, error) {
	s, err := g.inner.Stream(ctx, req)
	if err != nil {
		g.c.GatewayRequests.WithLabelValues("stream", statusError).Inc()
		return nil, err
	}
	return &meteredStream{inner: s, c: g.c}, nil
}

// meteredStream records the request once the stream ends. Usage deltas overwrite each
// other, so only the last one is counted.
type meteredStream struct {
	inner agentloop.DeltaStream
	c     *Collector
	usage *agentloop.Usage
	done  bool
}

func (s *meteredStream) Recv() (agentloop.Delta, error) {
	d, err := s.inner.Recv()
	switch {
	case errors.Is(err, io.EOF):
		s.finish(statusOK)
	case err != nil:
		s.finish(statusError)
	case d.Usage != nil:
		u := *d.Usage
		s.usage = &u
	}
	return d, err
}

func (s *meteredStream) Close() error { return s.inner.Close() }

func (s *meteredStream) finish(status string) {
	if s.done {
		return
	}
	s.done = true
	s.c.GatewayRequests.WithLabelValues("stream", status).Inc()
	if status == statusOK {
		s.c.observeUsage(s.usage)
	}
}
