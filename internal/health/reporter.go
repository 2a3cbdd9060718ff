// Package health reports serving status through the standard gRPC health service.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	identityhandler "freight-marketplace/identity/internal/identity/handler"
	"freight-marketplace/identity/internal/resolver"
)

// Pinger checks connectivity to the profile store (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Reporter derives serving status from store reachability and the resolver's maintenance flag.
// The overall status ("") tracks the store; the identity service is NOT_SERVING while either
// the store is down or the resolver is halted for maintenance.
type Reporter struct {
	hs     *health.Server
	pinger Pinger
	logger *slog.Logger

	mu          sync.Mutex
	storeUp     bool
	maintenance bool
}

// NewReporter returns a Reporter that writes to hs. pinger may be nil, in which case the store
// is assumed reachable.
func NewReporter(hs *health.Server, pinger Pinger, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{hs: hs, pinger: pinger, logger: logger, storeUp: true}
	r.applyLocked()
	return r
}

// Observe records the maintenance flag of s. Suitable as a resolver.Subscribe callback.
func (r *Reporter) Observe(s resolver.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maintenance == s.Maintenance {
		return
	}
	r.maintenance = s.Maintenance
	if s.Maintenance {
		r.logger.Warn("health: resolver halted for maintenance")
	}
	r.applyLocked()
}

// Check pings the store once with the given timeout and updates the status.
func (r *Reporter) Check(ctx context.Context, timeout time.Duration) error {
	var err error
	if r.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err = r.pinger.PingContext(pctx)
		cancel()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	up := err == nil
	if up != r.storeUp {
		if up {
			r.logger.Info("health: profile store reachable")
		} else {
			r.logger.Warn("health: profile store unreachable", "error", err)
		}
	}
	r.storeUp = up
	r.applyLocked()
	return err
}

// Run checks the store every interval until ctx is done, then marks everything NOT_SERVING.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = r.Check(ctx, interval/2)
	for {
		select {
		case <-ctx.Done():
			r.hs.Shutdown()
			return nil
		case <-ticker.C:
			_ = r.Check(ctx, interval/2)
		}
	}
}

func (r *Reporter) applyLocked() {
	overall := healthpb.HealthCheckResponse_SERVING
	if !r.storeUp {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	identity := overall
	if r.maintenance {
		identity = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.hs.SetServingStatus("", overall)
	r.hs.SetServingStatus(identityhandler.ServiceName, identity)
}
