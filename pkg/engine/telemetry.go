package engine

import (
	"context"
	"time"

	"github.com/lexlapax/engram/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/lexlapax/engram/pkg/engine"

// telemetry records spans and RED metrics for engine operations through the
// global OpenTelemetry providers. Without an installed SDK every call is a
// no-op.
type telemetry struct {
	tracer     trace.Tracer
	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	cache      metric.Int64Counter
}

func newTelemetry() *telemetry {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	t := &telemetry{tracer: otel.Tracer(instrumentationName)}

	var err error
	if t.operations, err = meter.Int64Counter("engram.operations.total",
		metric.WithDescription("Engine operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		log.Warn("Failed to create operations counter", "error", err)
		t.operations, _ = fallback.Int64Counter("engram.operations.total")
	}
	if t.errors, err = meter.Int64Counter("engram.errors.total",
		metric.WithDescription("Engine operations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		log.Warn("Failed to create errors counter", "error", err)
		t.errors, _ = fallback.Int64Counter("engram.errors.total")
	}
	if t.duration, err = meter.Float64Histogram("engram.operation.duration",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		log.Warn("Failed to create duration histogram", "error", err)
		t.duration, _ = fallback.Float64Histogram("engram.operation.duration")
	}
	if t.cache, err = meter.Int64Counter("engram.cache.lookups",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		log.Warn("Failed to create cache counter", "error", err)
		t.cache, _ = fallback.Int64Counter("engram.cache.lookups")
	}
	return t
}

// track starts a span for an engine operation. The returned function ends
// it and records the outcome.
func (t *telemetry) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("operation", op))

	ctx, span := t.tracer.Start(ctx, "engram."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	t.operations.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		t.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (t *telemetry) cacheLookup(ctx context.Context, kind string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	t.cache.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.entry", kind),
		attribute.String("cache.result", result),
	))
}
