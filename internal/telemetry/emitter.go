package telemetry

import (
	"context"
	"errors"
	"time"
)

// Event types emitted by the resolution core.
const (
	EventResolution       = "profile_resolution"
	EventProvisioning     = "profile_provisioning"
	EventForcedSignOut    = "forced_sign_out"
	EventProfileSwitch    = "profile_switch"
	EventRealtimeAdvisory = "realtime_advisory"
)

// Event is one resolution lifecycle record.
type Event struct {
	Type      string        `json:"type"`
	Identity  string        `json:"identity"`
	ProfileID string        `json:"profile_id,omitempty"`
	Phase     string        `json:"phase,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Source    string        `json:"source,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// EventEmitter emits telemetry events (e.g. to OTel Logs or Kafka). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// Multi fans out to every non-nil emitter and joins their errors.
func Multi(emitters ...EventEmitter) EventEmitter {
	out := make(multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multi []EventEmitter

func (m multi) Emit(ctx context.Context, event *Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
