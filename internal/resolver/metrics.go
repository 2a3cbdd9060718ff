package resolver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "freight-marketplace/identity/resolver"

type instruments struct {
	tracer   trace.Tracer
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

// newInstruments uses the global providers; instrument creation errors fall back to no-op
// instruments inside the SDK so they are only logged.
func newInstruments() *instruments {
	meter := otel.Meter(instrumentationName)
	attempts, err := meter.Int64Counter("resolver.attempts",
		metric.WithDescription("Resolution triggers by outcome."))
	if err != nil {
		otel.Handle(err)
	}
	duration, err := meter.Float64Histogram("resolver.duration",
		metric.WithDescription("Time spent inside a resolution."),
		metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
	}
	return &instruments{
		tracer:   otel.Tracer(instrumentationName),
		attempts: attempts,
		duration: duration,
	}
}

func (in *instruments) recordAttempt(ctx context.Context, outcome Outcome, source string) {
	if in.attempts == nil {
		return
	}
	in.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("source", source),
	))
}

func (in *instruments) recordDuration(ctx context.Context, d time.Duration, phase Phase) {
	if in.duration == nil {
		return
	}
	in.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("phase", string(phase))))
}
