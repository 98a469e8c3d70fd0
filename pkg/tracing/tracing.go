// Package tracing configures OpenTelemetry tracing for the pipeline.
//
// Span attributes use the `flood.` prefix.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mhdhaikalll/IoT-Flood-System"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Init installs an OTLP/gRPC trace provider. With an empty endpoint tracing
// stays disabled and the global no-op provider is kept.
// The returned function flushes and stops the provider.
func Init(ctx context.Context, endpoint, service, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", service),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartIngestSpan creates the parent span for one submitted reading.
func StartIngestSpan(ctx context.Context, nodeID, transport string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flood.ingest",
		trace.WithAttributes(
			attribute.String("flood.node_id", nodeID),
			attribute.String("flood.transport", transport),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartStepSpan creates a child span for a pipeline step (persist, analyze, dispatch).
func StartStepSpan(ctx context.Context, step, nodeID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "flood."+step,
		trace.WithAttributes(attribute.String("flood.node_id", nodeID)),
	)
}

// StartClientSpan creates a span around an outbound call to an external service.
func StartClientSpan(ctx context.Context, name, system string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attribute.String("flood.system", system)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
