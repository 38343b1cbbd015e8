// Package otel sets up OpenTelemetry tracing so that log records and
// published events can be correlated by trace and span id.
package otel

import (
	"context"
	"os"
	"strconv"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	// EnvTraceSampleRatio is the standard OTel sampler argument variable
	EnvTraceSampleRatio = "OTEL_TRACES_SAMPLER_ARG"
	// DefaultTraceSampleRatio samples 10% of traces
	DefaultTraceSampleRatio = 0.1
)

// GetTraceSampleRatio reads OTEL_TRACES_SAMPLER_ARG. Invalid or out of range
// values are logged and replaced by DefaultTraceSampleRatio.
func GetTraceSampleRatio(log logger.Logger, ctx context.Context) float64 {
	raw := os.Getenv(EnvTraceSampleRatio)
	if raw == "" {
		return DefaultTraceSampleRatio
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		log.Warnf(ctx, "Invalid %s=%q, using default sample ratio %.2f", EnvTraceSampleRatio, raw, DefaultTraceSampleRatio)
		return DefaultTraceSampleRatio
	}
	return ratio
}

// InitTracer installs a global TracerProvider with a parent-based ratio sampler
// and the W3C trace context propagator. Callers must Shutdown the provider.
func InitTracer(serviceName, serviceVersion string, sampleRatio float64) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// WithSpanLogFields copies the trace and span id of the active span into the
// context log fields. Contexts without a valid span are returned unchanged.
func WithSpanLogFields(ctx context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ctx
	}
	ctx = logger.WithTraceID(ctx, sc.TraceID().String())
	return logger.WithSpanID(ctx, sc.SpanID().String())
}
