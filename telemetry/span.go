// Package telemetry provides nil-safe OpenTelemetry span helpers used by the
// executor to annotate run/block lifecycle events. The helpers that annotate
// the context's current span are no-ops when it carries no recording span,
// so the executor core never needs to check whether a tracer was configured
// by the host; StartSpan and NewTracerProvider are the exceptions.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span named name using the global otel tracer provider
// for the given component, returning the derived context and the span.
// Hosts that want spans exported configure the global provider themselves
// (SDK exporter wiring is outside this module's scope); without one, otel's
// default no-op provider makes every span here free.
func StartSpan(ctx context.Context, component, name string) (context.Context, trace.Span) {
	return otel.Tracer(component).Start(ctx, name)
}

// NewTracerProvider builds an SDK tracer provider with always-on sampling
// and no span processor attached; callers add a processor (a batcher
// wrapping whatever exporter the host chooses) before calling
// otel.SetTracerProvider. Exporter wiring stays a host concern, but the
// provider construction itself — resource-less, just the sampler — is
// common enough across deployments of this executor to live here.
func NewTracerProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	all := append([]sdktrace.TracerProviderOption{sdktrace.WithSampler(sdktrace.AlwaysSample())}, opts...)
	return sdktrace.NewTracerProvider(all...)
}

// AddEvent records a named event on the current span, if one is recording.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetAttributes adds attributes to the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}
