// Package producer publishes resolution events to a message broker (Kafka) for downstream consumers.
package producer

import "freight-marketplace/identity/internal/telemetry"

// Producer emits resolution events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	telemetry.EventEmitter
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
