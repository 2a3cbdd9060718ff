package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"freight-marketplace/identity/internal/telemetry"
)

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if em == nil {
		t.Fatal("NewEventEmitter(nil) returned nil")
	}
	if err := em.Emit(context.Background(), &telemetry.Event{Type: telemetry.EventResolution}); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
}

func TestEmit_NilEvent_ReturnsNil(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(ctx, nil): %v", err)
	}
}

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec otellog.Record
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
}

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	capture := &recordCapture{}
	em := NewEventEmitterWithLogger(capture)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := &telemetry.Event{
		Type:      telemetry.EventResolution,
		Identity:  "u1",
		ProfileID: "p1",
		Phase:     "FAILED",
		ErrorKind: "TIMEOUT",
		Source:    "realtime",
		Duration:  1500 * time.Millisecond,
		CreatedAt: created,
	}
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if got := capture.rec.Body().AsString(); got != telemetry.EventResolution {
		t.Errorf("body = %q", got)
	}
	if !capture.rec.Timestamp().Equal(created) {
		t.Errorf("timestamp = %v, want %v", capture.rec.Timestamp(), created)
	}
	if capture.rec.Severity() != otellog.SeverityWarn {
		t.Errorf("severity = %v, want warn for errors", capture.rec.Severity())
	}
	attrs := map[string]otellog.Value{}
	capture.rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value
		return true
	})
	want := map[string]string{
		"identity":   "u1",
		"profile_id": "p1",
		"phase":      "FAILED",
		"error_kind": "TIMEOUT",
		"source":     "realtime",
	}
	for k, v := range want {
		if got := attrs[k].AsString(); got != v {
			t.Errorf("attr %s = %q, want %q", k, got, v)
		}
	}
	if got := attrs["duration_ms"].AsInt64(); got != 1500 {
		t.Errorf("duration_ms = %d, want 1500", got)
	}
}

func TestEmit_DefaultsTimestamp(t *testing.T) {
	capture := &recordCapture{}
	em := NewEventEmitterWithLogger(capture)
	before := time.Now().Add(-time.Second)
	if err := em.Emit(context.Background(), &telemetry.Event{Type: telemetry.EventProfileSwitch}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if capture.rec.Timestamp().Before(before) {
		t.Error("timestamp should default to now")
	}
	if capture.rec.Severity() != otellog.SeverityInfo {
		t.Errorf("severity = %v, want info", capture.rec.Severity())
	}
}
