// Package observability wraps OpenTelemetry's tracing API around C8/C9's
// execute paths, trimmed down from the teacher's full OTLP provider
// (core/pkg/observability/observability.go) to just the span API: this
// kernel has no multi-tenant OTLP collector to ship spans to, so wiring
// an exporter would be dead configuration (DESIGN.md records this
// scope cut). What's kept is real: every capability/unit execution opens
// a span, tags it with the spec's latency/error-type fields, and a
// process wanting real traces only has to register an SDK TracerProvider
// — this package's calls don't change.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/rumi-ai/kernel")

// StartExecution opens a span named spanName (e.g. "capability.execute",
// "unit.execute") tagged with the calling principal and target.
func StartExecution(ctx context.Context, spanName, principalID, target string) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("rumi.principal_id", principalID),
		attribute.String("rumi.target", target),
	))
}

// EndExecution records the outcome and closes span. errorType is the
// empty string on success.
func EndExecution(span trace.Span, success bool, latencyMs float64, errorType string) {
	span.SetAttributes(
		attribute.Bool("rumi.success", success),
		attribute.Float64("rumi.latency_ms", latencyMs),
	)
	if success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("rumi.error_type", errorType))
		span.SetStatus(codes.Error, errorType)
	}
	span.End()
}
