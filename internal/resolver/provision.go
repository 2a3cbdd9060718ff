package resolver

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/telemetry"
)

// provisioner collapses concurrent inserts for one identity into a single store call. The
// coordinator already serializes resolutions; this also covers a stalled insert that outlived
// a force-released lock.
type provisioner struct {
	group singleflight.Group
}

func (p *provisioner) create(ctx context.Context, store Store, draft profiledomain.Draft, timeout time.Duration) (*profiledomain.Profile, error) {
	v, err, _ := p.group.Do("provision:"+string(draft.Identity), func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return store.InsertProfile(ctx, &draft)
	})
	if err != nil {
		return nil, err
	}
	return v.(*profiledomain.Profile), nil
}

// draftFromSession builds the first profile from what the session knows about the identity.
// Missing values stay empty; the role defaults to PRODUCER.
func draftFromSession(sess *identitydomain.Session, id string) profiledomain.Draft {
	md := sess.Metadata
	role, ok := profiledomain.ParseRole(md.Role)
	if !ok {
		role = profiledomain.RoleProducer
	}
	return profiledomain.Draft{
		ID:          id,
		Identity:    sess.Identity,
		DisplayName: strings.TrimSpace(md.Name),
		Email:       strings.TrimSpace(md.Email),
		Phone:       strings.TrimSpace(md.Phone),
		Document:    strings.TrimSpace(md.Document),
		PrimaryRole: role,
		Status:      profiledomain.StatusPending,
	}
}

// provision inserts draft and commits the result. A personal-field conflict leaves the
// identity EMPTY with the draft kept for RetryProvisioning; a role-slot conflict means another
// client created the profile first, so the identity is re-listed instead.
func (r *Resolver) provision(ctx context.Context, t tag, draft profiledomain.Draft, opts ResolveOptions, start time.Time) (Snapshot, error) {
	if err := draft.Validate(); err != nil {
		return r.fail(ctx, t, Classify(err), opts, start)
	}
	if _, ok := r.commit(t, func(s *Snapshot) {
		s.Phase = PhaseProvisioning
		s.LastError = nil
	}); !ok {
		return Snapshot{}, errStale
	}
	if r.writes != nil {
		r.writes.Remember(profiledomain.Change{
			Op:        profiledomain.ChangeInsert,
			ProfileID: draft.ID,
			Identity:  draft.Identity,
			Status:    draft.Status,
		})
	}

	created, err := r.prov.create(ctx, r.store, draft, r.fetchTimeout)
	if err != nil {
		ce := Classify(err)
		if ce.Kind != KindConflict {
			r.emitProvisioning(t, "", ce, opts)
			return r.fail(ctx, t, ce, opts, start)
		}
		if ce.Field == profiledomain.FieldRoleSlot {
			r.logger.Info("resolver: profile created concurrently, re-listing", "identity", t.identity)
			profiles, ferr := r.fetch(ctx, t.identity)
			if ferr != nil {
				return r.fail(ctx, t, Classify(ferr), opts, start)
			}
			if len(profiles) > 0 {
				return r.resolved(ctx, t, profiles, opts, start)
			}
		}
		kept := draft
		snap, ok := r.commit(t, func(s *Snapshot) {
			s.Phase = PhaseEmpty
			s.Profile = nil
			s.Profiles = nil
			s.LastError = ce
			r.pending = &kept
		})
		if !ok {
			return Snapshot{}, errStale
		}
		r.logger.Info("resolver: provisioning conflict", "identity", t.identity, "field", ce.Field)
		r.emitProvisioning(t, "", ce, opts)
		r.finished(ctx, snap, opts, start)
		return snap, nil
	}

	created.MergeRoles(nil)
	if !r.current(t) {
		return Snapshot{}, errStale
	}
	if _, err := r.sel.SetDefault(t.identity, created.ID, r.currentSelection(t.identity)); err != nil {
		r.logger.Warn("resolver: persisting active profile failed", "identity", t.identity, "error", err)
	}
	snap, ok := r.commit(t, func(s *Snapshot) {
		s.Phase = PhaseResolved
		s.Profile = created
		s.Profiles = []*profiledomain.Profile{created}
		s.LastError = nil
		r.pending = nil
	})
	if !ok {
		return Snapshot{}, errStale
	}
	r.logger.Info("resolver: profile provisioned", "identity", t.identity, "profile_id", created.ID)
	r.emitProvisioning(t, created.ID, nil, opts)
	r.finished(ctx, snap, opts, start)
	return snap, nil
}

func (r *Resolver) currentSelection(identity identitydomain.Identity) string {
	sel, _ := r.sel.Get(identity)
	return sel.ProfileID
}

func (r *Resolver) emitProvisioning(t tag, profileID string, ce *ClassifiedError, opts ResolveOptions) {
	ev := &telemetry.Event{
		Type:      telemetry.EventProvisioning,
		Identity:  string(t.identity),
		ProfileID: profileID,
		Source:    opts.Source,
	}
	if ce != nil {
		ev.ErrorKind = string(ce.Kind)
	}
	telemetry.EmitAsync(r.events, ev)
}

// RetryProvisioning replaces the conflicting field of the pending draft with value and attempts
// the insert again. It runs under the same per-identity lock as Resolve but is not throttled:
// it is an explicit user action answering a conflict.
func (r *Resolver) RetryProvisioning(ctx context.Context, value string) (Snapshot, error) {
	value = strings.TrimSpace(value)
	r.mu.Lock()
	if r.pending == nil || r.state.ConflictField() == "" {
		s := r.state
		r.mu.Unlock()
		return s, ErrNoPendingConflict
	}
	if value == "" {
		s := r.state
		r.mu.Unlock()
		return s, ErrEmptyCorrection
	}
	corrected, err := r.pending.WithField(r.state.LastError.Field, value)
	if err != nil {
		s := r.state
		r.mu.Unlock()
		return s, err
	}
	t := tag{identity: r.identity, epoch: r.epoch}
	r.mu.Unlock()

	opts := ResolveOptions{Force: true, Source: "retry_provisioning"}
	snap, joined, err := r.coord.Do(ctx, resolveKey(t.identity), func(ctx context.Context) (Snapshot, error) {
		ctx = context.WithoutCancel(ctx)
		defer r.settle(t)
		return r.provision(ctx, t, corrected, opts, r.now())
	}, r.lockTimeout, r.joinTimeout)
	switch {
	case err == nil && joined && snap.Phase != "":
		// Joined a resolution already running; its outcome stands and the correction was not applied.
		r.inst.recordAttempt(ctx, OutcomeJoined, opts.Source)
		return snap, nil
	case err == nil && snap.Phase != "":
		r.inst.recordAttempt(ctx, OutcomeCompleted, opts.Source)
		return snap, nil
	case errors.Is(err, ErrLockTimeout):
		r.inst.recordAttempt(ctx, OutcomeLockTimeout, opts.Source)
		return r.abandon(t, err), Classify(err)
	}
	return r.Snapshot(), nil
}
