package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"freight-marketplace/identity/internal/telemetry"
)

// recordEmitter is the subset of otellog.Logger used by the emitter.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("marketplace.identity")}
}

// NewEventEmitterWithLogger returns an emitter writing to logger. Used by tests to capture records.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	if logger == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.Event) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to an OTel log record and emits it.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(event.Type))
	rec.SetSeverity(otellog.SeverityInfo)
	if event.ErrorKind != "" {
		rec.SetSeverity(otellog.SeverityWarn)
		rec.AddAttributes(otellog.String("error_kind", event.ErrorKind))
	}
	if event.Identity != "" {
		rec.AddAttributes(otellog.String("identity", event.Identity))
	}
	if event.ProfileID != "" {
		rec.AddAttributes(otellog.String("profile_id", event.ProfileID))
	}
	if event.Phase != "" {
		rec.AddAttributes(otellog.String("phase", event.Phase))
	}
	if event.Source != "" {
		rec.AddAttributes(otellog.String("source", event.Source))
	}
	if event.Duration > 0 {
		rec.AddAttributes(otellog.Int64("duration_ms", event.Duration.Milliseconds()))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
