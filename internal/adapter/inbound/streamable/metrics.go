package streamable

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("gateway/streamable")

// rpcMetrics holds the per-request instruments the POST handler records.
// Instruments come from the global meter provider, so a process without
// telemetry.Setup gets no-op instruments and zero overhead.
type rpcMetrics struct {
	requests         metric.Int64Counter
	toolCallDuration metric.Float64Histogram
	droppedProxiedID metric.Int64Counter
}

func newRPCMetrics() *rpcMetrics {
	meter := otel.Meter("gateway/streamable")
	requests, _ := meter.Int64Counter("mcp_requests_total",
		metric.WithDescription("JSON-RPC requests handled, by method and status"))
	duration, _ := meter.Float64Histogram("mcp_tool_call_duration_seconds",
		metric.WithDescription("End-to-end tools/call latency including retries"),
		metric.WithUnit("s"))
	dropped, _ := meter.Int64Counter("mcp_invalid_proxied_ids_total",
		metric.WithDescription("Downstream responses dropped because their proxied request id failed verification"))
	return &rpcMetrics{requests: requests, toolCallDuration: duration, droppedProxiedID: dropped}
}

func (m *rpcMetrics) recordRequest(ctx context.Context, profileID, method string, start time.Time, failed bool) {
	status := "ok"
	if failed {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("profile_id", profileID),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	if method == "tools/call" {
		m.toolCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// startSpan opens the per-request server span, mirroring how the request
// method and profile are attached everywhere else in this package's logs.
func startSpan(ctx context.Context, profileID, method string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.method", method),
			attribute.String("mcp.profile_id", profileID),
		),
	)
}
