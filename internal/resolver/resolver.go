// Package resolver turns the current session into the identity's profiles and active profile.
// It runs at most one resolution per identity, spaces attempts with a throttle and a
// post-timeout cooldown, provisions a first profile for new identities and classifies every
// failure before it leaves the package.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/selection"
	"freight-marketplace/identity/internal/telemetry"
)

var (
	// ErrNoPendingConflict is returned by RetryProvisioning when no provisioning conflict is waiting for a correction.
	ErrNoPendingConflict = errors.New("no provisioning conflict to retry")
	// ErrEmptyCorrection is returned by RetryProvisioning for a blank corrected value.
	ErrEmptyCorrection = errors.New("corrected value is empty")
	// ErrUnknownProfile is returned by SwitchActiveProfile for a profile the identity does not own.
	ErrUnknownProfile = errors.New("profile is not owned by the current identity")
)

// Store is the remote profile store.
type Store interface {
	// ListProfiles returns at most limit profiles owned by identity, oldest first.
	ListProfiles(ctx context.Context, identity identitydomain.Identity, limit int) ([]*profiledomain.Profile, error)
	// ListRoles returns the granted roles of every identity in one call.
	ListRoles(ctx context.Context, identities []identitydomain.Identity) (map[identitydomain.Identity][]profiledomain.Role, error)
	// InsertProfile creates a profile. Unique violations are *profiledomain.ConflictError.
	InsertProfile(ctx context.Context, draft *profiledomain.Draft) (*profiledomain.Profile, error)
	// UpdateActiveFlag marks profileID as the identity's active profile server-side.
	UpdateActiveFlag(ctx context.Context, identity identitydomain.Identity, profileID string) error
}

// SessionSource is the part of the session provider the resolver drives.
type SessionSource interface {
	Current() *identitydomain.Session
	Refresh(ctx context.Context) (*identitydomain.Session, error)
	SignOut(ctx context.Context, scope identitydomain.SignOutScope) error
}

// WriteRecorder is told about store writes the resolver is about to make so their change
// notifications can be recognised as self-inflicted.
type WriteRecorder interface {
	Remember(change profiledomain.Change)
}

// Outcome describes what a call to Resolve did.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeJoined      Outcome = "joined"
	OutcomeThrottled   Outcome = "throttled"
	OutcomeCoolingDown Outcome = "cooling_down"
	OutcomeHalted      Outcome = "halted"
	OutcomeNoSession   Outcome = "no_session"
	OutcomeDiscarded   Outcome = "discarded"
	OutcomeJoinTimeout Outcome = "join_timeout"
	OutcomeLockTimeout Outcome = "lock_timeout"
)

// Skipped reports whether the policy gate rejected the trigger before any store call.
func (o Outcome) Skipped() bool {
	return o == OutcomeThrottled || o == OutcomeCoolingDown || o == OutcomeHalted
}

// ResolveOptions qualify one resolution trigger.
type ResolveOptions struct {
	// Force bypasses the throttle (never the cooldown) and a maintenance halt.
	Force bool
	// Source labels the trigger in logs and metrics (session, realtime, rpc, ...).
	Source string
	// Location is where the caller was; it is carried on an invalid-session error for restoration after sign-in.
	Location string
}

// Options configures a Resolver. Zero values fall back to the defaults noted per field.
type Options struct {
	Policy       Policy        // DefaultPolicy
	FetchTimeout time.Duration // 25s
	LockTimeout  time.Duration // 60s
	JoinTimeout  time.Duration // 30s
	ListLimit    int           // 20
	Logger       *slog.Logger
	Events       telemetry.EventEmitter
	Writes       WriteRecorder
	Now          func() time.Time
	NewID        func() string
}

// Resolver owns the identity state of one client.
type Resolver struct {
	store    Store
	sessions SessionSource
	sel      selection.Store

	policy       Policy
	fetchTimeout time.Duration
	lockTimeout  time.Duration
	joinTimeout  time.Duration
	listLimit    int
	logger       *slog.Logger
	events       telemetry.EventEmitter
	writes       WriteRecorder
	now          func() time.Time
	newID        func() string

	coord *Coordinator[Snapshot]
	prov  provisioner
	inst  *instruments
	out   broadcaster

	mu       sync.Mutex
	identity identitydomain.Identity
	epoch    uint64
	version  uint64
	attempt  Attempt
	state    Snapshot
	// pending is the draft that last failed with a conflict, kept for RetryProvisioning.
	pending *profiledomain.Draft
}

// tag binds a resolution to the identity and epoch it started under.
type tag struct {
	identity identitydomain.Identity
	epoch    uint64
}

// New returns a Resolver in the IDLE phase with no identity.
func New(store Store, sessions SessionSource, sel selection.Store, opts Options) *Resolver {
	r := &Resolver{
		store:        store,
		sessions:     sessions,
		sel:          sel,
		policy:       opts.Policy,
		fetchTimeout: opts.FetchTimeout,
		lockTimeout:  opts.LockTimeout,
		joinTimeout:  opts.JoinTimeout,
		listLimit:    opts.ListLimit,
		logger:       opts.Logger,
		events:       opts.Events,
		writes:       opts.Writes,
		now:          opts.Now,
		newID:        opts.NewID,
		coord:        NewCoordinator[Snapshot](),
		inst:         newInstruments(),
	}
	if r.policy == (Policy{}) {
		r.policy = DefaultPolicy
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = 25 * time.Second
	}
	if r.lockTimeout <= 0 {
		r.lockTimeout = 60 * time.Second
	}
	if r.joinTimeout <= 0 {
		r.joinTimeout = 30 * time.Second
	}
	if r.listLimit <= 0 {
		r.listLimit = 20
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	r.state = Snapshot{Phase: PhaseIdle}
	return r
}

// Snapshot returns the current state.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempt returns the throttle bookkeeping for the current identity.
func (r *Resolver) Attempt() Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Subscribe registers fn for every published snapshot and returns a cancel function.
// fn runs synchronously and must not call back into the Resolver.
func (r *Resolver) Subscribe(fn func(Snapshot)) func() {
	return r.out.subscribe(fn)
}

// Reset drops all state and starts over for identity. In-flight resolutions for the previous
// identity are discarded when they complete.
func (r *Resolver) Reset(identity identitydomain.Identity) {
	r.mu.Lock()
	r.resetLocked(identity)
	s := r.state
	r.mu.Unlock()
	r.out.publish(s)
}

// Clear drops all state after a sign-out. An invalid-session error survives so the caller can
// still read where to return after signing in again.
func (r *Resolver) Clear() {
	r.mu.Lock()
	keep := r.state.LastError
	if keep != nil && keep.Kind != KindInvalidSession {
		keep = nil
	}
	r.resetLocked("")
	r.state.LastError = keep
	s := r.state
	r.mu.Unlock()
	r.out.publish(s)
}

func (r *Resolver) resetLocked(identity identitydomain.Identity) {
	r.identity = identity
	r.epoch++
	r.version++
	r.attempt = Attempt{}
	r.pending = nil
	r.state = Snapshot{Identity: identity, Phase: PhaseIdle, Version: r.version}
}

// Resolve runs a resolution for the current session's identity, joins the one already running,
// or skips it when the throttle, cooldown or a maintenance halt says so. Skips change nothing.
func (r *Resolver) Resolve(ctx context.Context, opts ResolveOptions) (Outcome, Snapshot) {
	sess := r.sessions.Current()
	if sess == nil || sess.Identity == "" {
		r.inst.recordAttempt(ctx, OutcomeNoSession, opts.Source)
		return OutcomeNoSession, r.Snapshot()
	}

	r.mu.Lock()
	switched := sess.Identity != r.identity
	if switched {
		r.resetLocked(sess.Identity)
	}
	reset := r.state
	now := r.now()
	if r.state.Maintenance && !opts.Force {
		r.mu.Unlock()
		r.inst.recordAttempt(ctx, OutcomeHalted, opts.Source)
		return OutcomeHalted, reset
	}
	switch r.policy.Decide(r.attempt, now, opts.Force) {
	case SkipCoolingDown:
		r.mu.Unlock()
		r.logger.Debug("resolver: cooling down", "identity", sess.Identity, "source", opts.Source,
			"remaining", r.policy.Remaining(r.attempt, now))
		r.inst.recordAttempt(ctx, OutcomeCoolingDown, opts.Source)
		return OutcomeCoolingDown, reset
	case SkipThrottled:
		r.mu.Unlock()
		r.inst.recordAttempt(ctx, OutcomeThrottled, opts.Source)
		return OutcomeThrottled, reset
	}
	r.attempt.LastAttemptAt = now
	t := tag{identity: r.identity, epoch: r.epoch}
	r.mu.Unlock()
	if switched {
		r.out.publish(reset)
	}

	ctx, span := r.inst.tracer.Start(ctx, "resolver.Resolve", trace.WithAttributes(
		attribute.String("identity", string(t.identity)),
		attribute.String("source", opts.Source),
		attribute.Bool("force", opts.Force),
	))
	defer span.End()

	snap, joined, err := r.coord.Do(ctx, resolveKey(t.identity), func(ctx context.Context) (Snapshot, error) {
		return r.run(context.WithoutCancel(ctx), t, sess, opts)
	}, r.lockTimeout, r.joinTimeout)

	outcome := OutcomeCompleted
	switch {
	case errors.Is(err, ErrLockTimeout):
		outcome = OutcomeLockTimeout
		snap = r.abandon(t, err)
	case errors.Is(err, errStale):
		outcome = OutcomeDiscarded
		snap = r.Snapshot()
	case joined && snap.Phase == "":
		outcome = OutcomeJoinTimeout
		snap = r.Snapshot()
	case joined:
		outcome = OutcomeJoined
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)), attribute.String("phase", string(snap.Phase)))
	if snap.LastError != nil {
		span.SetStatus(codes.Error, string(snap.LastError.Kind))
	}
	r.inst.recordAttempt(ctx, outcome, opts.Source)
	return outcome, snap
}

func resolveKey(identity identitydomain.Identity) string {
	return "resolve:" + string(identity)
}

// errStale marks a resolution whose identity or epoch changed before it could commit.
var errStale = errors.New("resolution superseded")

// run is the body of one resolution; it executes inside the coordinator's critical section.
func (r *Resolver) run(ctx context.Context, t tag, sess *identitydomain.Session, opts ResolveOptions) (Snapshot, error) {
	start := r.now()
	if _, ok := r.commit(t, func(s *Snapshot) {
		s.Phase = PhaseResolving
		s.Resolving = true
		r.attempt.InFlight = true
	}); !ok {
		return Snapshot{}, errStale
	}
	defer r.settle(t)

	profiles, err := r.fetch(ctx, t.identity)
	if err != nil {
		ce := Classify(err)
		if ce.Kind != KindTimeout {
			return r.fail(ctx, t, ce, opts, start)
		}
		r.logger.Warn("resolver: fetch timed out, refreshing session", "identity", t.identity, "error", err)
		if _, ok := r.commit(t, func(s *Snapshot) {
			s.Phase = PhaseResolvingWithRefresh
			r.attempt.LastTimeoutAt = r.now()
		}); !ok {
			return Snapshot{}, errStale
		}
		refreshed, rerr := r.sessions.Refresh(ctx)
		if rerr != nil {
			r.logger.Warn("resolver: session refresh failed", "identity", t.identity, "error", rerr)
			return r.fail(ctx, t, ce, opts, start)
		}
		if refreshed != nil && refreshed.Identity == t.identity {
			sess = refreshed
		}
		profiles, err = r.fetch(ctx, t.identity)
		if err != nil {
			r.logger.Warn("resolver: retry after refresh failed", "identity", t.identity, "error", err)
			return r.fail(ctx, t, ce, opts, start)
		}
	}

	if len(profiles) == 0 {
		if _, ok := r.commit(t, func(s *Snapshot) {
			s.Phase = PhaseEmpty
			s.Profile = nil
			s.Profiles = nil
		}); !ok {
			return Snapshot{}, errStale
		}
		draft := draftFromSession(sess, r.newID())
		return r.provision(ctx, t, draft, opts, start)
	}
	return r.resolved(ctx, t, profiles, opts, start)
}

// fetch lists the identity's profiles and merges their roles with one batched call.
func (r *Resolver) fetch(ctx context.Context, identity identitydomain.Identity) ([]*profiledomain.Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	profiles, err := r.store.ListProfiles(ctx, identity, r.listLimit)
	if err != nil || len(profiles) == 0 {
		return nil, err
	}
	if len(profiles) > r.listLimit {
		profiles = profiles[:r.listLimit]
	}
	owners := make([]identitydomain.Identity, 0, 1)
	seen := make(map[identitydomain.Identity]bool)
	for _, p := range profiles {
		if !seen[p.Identity] {
			seen[p.Identity] = true
			owners = append(owners, p.Identity)
		}
	}
	roles, err := r.store.ListRoles(ctx, owners)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		p.MergeRoles(roles[p.Identity])
	}
	profiledomain.SortByCreation(profiles)
	return profiles, nil
}

// resolved selects the active profile and commits RESOLVED.
func (r *Resolver) resolved(ctx context.Context, t tag, profiles []*profiledomain.Profile, opts ResolveOptions, start time.Time) (Snapshot, error) {
	if !r.current(t) {
		return Snapshot{}, errStale
	}
	active, err := r.selectActive(t.identity, profiles)
	if err != nil {
		r.logger.Warn("resolver: persisting active profile failed", "identity", t.identity, "error", err)
	}
	snap, ok := r.commit(t, func(s *Snapshot) {
		s.Phase = PhaseResolved
		s.Profile = active
		s.Profiles = profiles
		s.LastError = nil
		s.Maintenance = false
		r.pending = nil
	})
	if !ok {
		return Snapshot{}, errStale
	}
	r.finished(ctx, snap, opts, start)
	return snap, nil
}

// selectActive returns the persisted selection when it is still one of profiles, else the
// first profile, which is then stored as the default unless an explicit choice raced it.
func (r *Resolver) selectActive(identity identitydomain.Identity, profiles []*profiledomain.Profile) (*profiledomain.Profile, error) {
	current, _ := r.sel.Get(identity)
	if p := findProfile(profiles, current.ProfileID); p != nil {
		return p, nil
	}
	first := profiles[0]
	ok, err := r.sel.SetDefault(identity, first.ID, current.ProfileID)
	if err != nil || ok {
		return first, err
	}
	// An explicit switch landed between Get and SetDefault.
	latest, _ := r.sel.Get(identity)
	if p := findProfile(profiles, latest.ProfileID); p != nil {
		return p, nil
	}
	return first, nil
}

func findProfile(profiles []*profiledomain.Profile, id string) *profiledomain.Profile {
	if id == "" {
		return nil
	}
	for _, p := range profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// fail applies the recovery policy for ce and commits its terminal state.
func (r *Resolver) fail(ctx context.Context, t tag, ce *ClassifiedError, opts ResolveOptions, start time.Time) (Snapshot, error) {
	if ce.Kind == KindInvalidSession {
		ce = &ClassifiedError{Kind: ce.Kind, Field: ce.Field, ReturnTo: opts.Location, Err: ce.Err}
	}
	snap, ok := r.commit(t, func(s *Snapshot) {
		s.Profile = nil
		s.Profiles = nil
		s.LastError = ce
		switch ce.Kind {
		case KindInvalidSession:
			s.Phase = PhaseIdle
		case KindPolicyFault:
			s.Phase = PhaseFailed
			s.Maintenance = true
		case KindTimeout:
			s.Phase = PhaseFailed
			// A timeout that already triggered the refresh-and-retry keeps its original stamp.
			if r.attempt.LastTimeoutAt.Before(start) {
				r.attempt.LastTimeoutAt = r.now()
			}
		default:
			s.Phase = PhaseFailed
		}
	})
	if !ok {
		return Snapshot{}, errStale
	}
	r.logger.Warn("resolver: resolution failed", "identity", t.identity, "kind", ce.Kind, "error", ce.Err)

	if ce.Kind == KindInvalidSession {
		if err := r.sel.Clear(t.identity); err != nil {
			r.logger.Warn("resolver: clearing active profile failed", "identity", t.identity, "error", err)
		}
		// Signing out publishes a revocation which clears this identity's state; commit first
		// so the error and return location are visible to that clear.
		if err := r.sessions.SignOut(ctx, identitydomain.SignOutLocal); err != nil {
			r.logger.Warn("resolver: local sign-out failed", "identity", t.identity, "error", err)
		}
		telemetry.EmitAsync(r.events, &telemetry.Event{
			Type:      telemetry.EventForcedSignOut,
			Identity:  string(t.identity),
			ErrorKind: string(ce.Kind),
			Source:    opts.Source,
		})
	}
	r.finished(ctx, snap, opts, start)
	return snap, nil
}

// abandon handles a resolution that outlived the lock timeout: its epoch is retired so the
// stalled run can never commit, and the identity cools down as after any timeout.
func (r *Resolver) abandon(t tag, err error) Snapshot {
	r.mu.Lock()
	if r.identity != t.identity || r.epoch != t.epoch {
		s := r.state
		r.mu.Unlock()
		return s
	}
	r.epoch++
	r.version++
	r.attempt.InFlight = false
	r.attempt.LastTimeoutAt = r.now()
	r.state.Phase = PhaseFailed
	r.state.Resolving = false
	r.state.Profile = nil
	r.state.Profiles = nil
	r.state.LastError = Classify(err)
	r.state.Version = r.version
	s := r.state
	r.mu.Unlock()
	r.logger.Warn("resolver: lock timeout, resolution abandoned", "identity", t.identity)
	r.out.publish(s)
	return s
}

// commit applies fn to the state if t is still current and publishes the result.
// fn runs under r.mu and may also update r.attempt and r.pending.
func (r *Resolver) commit(t tag, fn func(s *Snapshot)) (Snapshot, bool) {
	r.mu.Lock()
	if r.identity != t.identity || r.epoch != t.epoch {
		r.mu.Unlock()
		r.logger.Debug("resolver: discarding stale result", "identity", t.identity)
		return Snapshot{}, false
	}
	fn(&r.state)
	r.state.Resolving = !r.state.Phase.Terminal()
	r.version++
	r.state.Version = r.version
	s := r.state
	r.mu.Unlock()
	r.out.publish(s)
	return s, true
}

func (r *Resolver) current(t tag) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity == t.identity && r.epoch == t.epoch
}

// settle clears the in-flight flag once a run returns, whatever path it took.
func (r *Resolver) settle(t tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity == t.identity && r.epoch == t.epoch {
		r.attempt.InFlight = false
	}
}

func (r *Resolver) finished(ctx context.Context, snap Snapshot, opts ResolveOptions, start time.Time) {
	elapsed := r.now().Sub(start)
	r.inst.recordDuration(ctx, elapsed, snap.Phase)
	ev := &telemetry.Event{
		Type:     telemetry.EventResolution,
		Identity: string(snap.Identity),
		Phase:    string(snap.Phase),
		Source:   opts.Source,
		Duration: elapsed,
	}
	if snap.Profile != nil {
		ev.ProfileID = snap.Profile.ID
	}
	if snap.LastError != nil {
		ev.ErrorKind = string(snap.LastError.Kind)
	}
	telemetry.EmitAsync(r.events, ev)
}

// SwitchActiveProfile makes profileID the active profile. The explicit choice is persisted
// before anything else so a concurrent resolution cannot override it; mirroring the flag to
// the store is best effort.
func (r *Resolver) SwitchActiveProfile(ctx context.Context, profileID string) (Snapshot, error) {
	r.mu.Lock()
	identity := r.identity
	target := findProfile(r.state.Profiles, profileID)
	var others []*profiledomain.Profile
	for _, p := range r.state.Profiles {
		if p.ID != profileID && p.Active {
			others = append(others, p)
		}
	}
	r.mu.Unlock()
	if identity == "" || target == nil {
		return r.Snapshot(), ErrUnknownProfile
	}
	wasActive := target.Active
	if err := r.sel.SetExplicit(identity, profileID); err != nil {
		return r.Snapshot(), err
	}

	r.mu.Lock()
	if r.identity != identity {
		s := r.state
		r.mu.Unlock()
		return s, ErrUnknownProfile
	}
	profiles := make([]*profiledomain.Profile, len(r.state.Profiles))
	for i, p := range r.state.Profiles {
		cp := *p
		cp.Active = p.ID == profileID
		profiles[i] = &cp
		if cp.ID == profileID {
			target = &cp
		}
	}
	r.state.Profiles = profiles
	if r.state.Phase == PhaseResolved {
		r.state.Profile = target
	}
	r.version++
	r.state.Version = r.version
	s := r.state
	r.mu.Unlock()
	r.out.publish(s)

	if r.writes != nil {
		if !wasActive {
			r.writes.Remember(profiledomain.Change{Op: profiledomain.ChangeUpdate, ProfileID: target.ID, Identity: identity, Active: true, Status: target.Status})
		}
		for _, p := range others {
			r.writes.Remember(profiledomain.Change{Op: profiledomain.ChangeUpdate, ProfileID: p.ID, Identity: identity, Active: false, Status: p.Status})
		}
	}
	updCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	if err := r.store.UpdateActiveFlag(updCtx, identity, profileID); err != nil {
		r.logger.Warn("resolver: mirroring active profile failed", "identity", identity, "profile_id", profileID, "error", err)
	}
	telemetry.EmitAsync(r.events, &telemetry.Event{
		Type:      telemetry.EventProfileSwitch,
		Identity:  string(identity),
		ProfileID: profileID,
		Phase:     string(s.Phase),
	})
	return s, nil
}
