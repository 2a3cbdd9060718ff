package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/resolver"
	"freight-marketplace/identity/internal/telemetry"
)

// Resolver is the part of resolver.Resolver the reconciler triggers.
type Resolver interface {
	Resolve(ctx context.Context, opts resolver.ResolveOptions) (resolver.Outcome, resolver.Snapshot)
}

// Options configures a Reconciler. Zero values fall back to the defaults noted per field.
type Options struct {
	Debounce         time.Duration // 500ms
	Throttle         time.Duration // resolver.DefaultPolicy.Throttle
	AdvisoryInterval time.Duration // 15m
	Logger           *slog.Logger
	Events           telemetry.EventEmitter
	Now              func() time.Time
}

// Reconciler re-resolves the watched identity after a burst of remote changes settles.
type Reconciler struct {
	feed     Feed
	res      Resolver
	window   *Window
	debounce time.Duration
	throttle time.Duration
	advisory *rate.Limiter
	logger   *slog.Logger
	events   telemetry.EventEmitter
	now      func() time.Time

	mu       sync.Mutex
	identity identitydomain.Identity
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	sub      Subscription
	timer    *time.Timer
	status   Status
}

// NewReconciler returns a Reconciler. window may be nil, in which case no change is suppressed.
func NewReconciler(feed Feed, res Resolver, window *Window, opts Options) *Reconciler {
	r := &Reconciler{
		feed:     feed,
		res:      res,
		window:   window,
		debounce: opts.Debounce,
		throttle: opts.Throttle,
		logger:   opts.Logger,
		events:   opts.Events,
		now:      opts.Now,
		status:   StatusClosed,
	}
	if r.debounce <= 0 {
		r.debounce = 500 * time.Millisecond
	}
	if r.throttle <= 0 {
		r.throttle = resolver.DefaultPolicy.Throttle
	}
	interval := opts.AdvisoryInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	r.advisory = rate.NewLimiter(rate.Every(interval), 1)
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Watch subscribes to changes for identity, replacing any previous subscription.
func (r *Reconciler) Watch(ctx context.Context, identity identitydomain.Identity) error {
	r.Stop()

	r.mu.Lock()
	r.gen++
	gen := r.gen
	watchCtx, cancel := context.WithCancel(ctx)
	r.identity = identity
	r.ctx = watchCtx
	r.cancel = cancel
	r.mu.Unlock()

	sub, err := r.feed.Subscribe(watchCtx, identity,
		func(c profiledomain.Change) { r.onChange(gen, c) },
		func(s Status, err error) { r.onStatus(gen, s, err) },
	)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if r.gen != gen {
		// Stopped while subscribing.
		r.mu.Unlock()
		sub.Close()
		return nil
	}
	r.sub = sub
	r.mu.Unlock()
	r.logger.Info("realtime: watching profile changes", "identity", identity)
	return nil
}

// Stop cancels the subscription and any pending re-resolution.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.gen++
	sub, cancel := r.sub, r.cancel
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	identity := r.identity
	r.sub, r.cancel, r.ctx = nil, nil, nil
	r.identity = ""
	r.status = StatusClosed
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
		r.logger.Info("realtime: stopped watching", "identity", identity)
	}
}

// Status returns the state of the current subscription.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Reconciler) onChange(gen uint64, c profiledomain.Change) {
	if r.window != nil && r.window.Consume(c) {
		r.logger.Debug("realtime: ignoring own write", "profile_id", c.ProfileID, "op", c.Op)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}
	r.scheduleLocked(gen, r.debounce, false)
}

func (r *Reconciler) scheduleLocked(gen uint64, d time.Duration, rearmed bool) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, func() { r.fire(gen, rearmed) })
}

func (r *Reconciler) fire(gen uint64, rearmed bool) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	ctx, identity := r.ctx, r.identity
	r.mu.Unlock()

	outcome, snap := r.res.Resolve(ctx, resolver.ResolveOptions{Source: "realtime"})
	r.logger.Debug("realtime: re-resolved after changes", "identity", identity, "outcome", outcome, "phase", snap.Phase)
	if outcome != resolver.OutcomeThrottled || rearmed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen && r.timer == nil {
		r.scheduleLocked(gen, r.throttle, true)
	}
}

func (r *Reconciler) onStatus(gen uint64, s Status, err error) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.status = s
	identity := r.identity
	r.mu.Unlock()

	switch {
	case s == StatusConnected:
		r.logger.Info("realtime: change feed connected", "identity", identity)
	case s.Degraded():
		if !r.advisory.AllowN(r.now(), 1) {
			return
		}
		r.logger.Warn("realtime: change feed unavailable, profile updates may be delayed", "identity", identity, "status", s, "error", err)
		telemetry.EmitAsync(r.events, &telemetry.Event{
			Type:      telemetry.EventRealtimeAdvisory,
			Identity:  string(identity),
			ErrorKind: string(s),
			Source:    "realtime",
		})
	}
}
