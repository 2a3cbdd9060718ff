package resolver

import (
	"sync"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
)

// Phase is the resolution state of the current identity.
type Phase string

const (
	PhaseIdle                 Phase = "IDLE"
	PhaseResolving            Phase = "RESOLVING"
	PhaseResolvingWithRefresh Phase = "RESOLVING_WITH_REFRESH"
	PhaseResolved             Phase = "RESOLVED"
	PhaseEmpty                Phase = "EMPTY"
	PhaseProvisioning         Phase = "PROVISIONING"
	PhaseFailed               Phase = "FAILED"
)

// Terminal reports whether no resolution step is running in this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseResolving, PhaseResolvingWithRefresh, PhaseProvisioning:
		return false
	}
	return true
}

// Snapshot is the resolved identity state exposed to the application. Snapshots are values;
// the profiles they point to must not be modified by receivers.
type Snapshot struct {
	Identity identitydomain.Identity
	Phase    Phase
	// Profile is the active profile, nil unless Phase is RESOLVED.
	Profile   *profiledomain.Profile
	Profiles  []*profiledomain.Profile
	Resolving bool
	LastError *ClassifiedError
	// Maintenance is set by a policy fault. Non-forced triggers are ignored while it is set.
	Maintenance bool
	// Version increases with every published change.
	Version uint64
}

// ConflictField returns the field of a pending provisioning conflict, or "".
func (s Snapshot) ConflictField() string {
	if s.LastError != nil && s.LastError.Kind == KindConflict {
		return s.LastError.Field
	}
	return ""
}

// broadcaster delivers snapshots to subscribers in version order. Older versions arriving
// late are dropped.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[int]func(Snapshot)
	next     int
	lastSent uint64
}

func (b *broadcaster) subscribe(fn func(Snapshot)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Snapshot))
	}
	id := b.next
	b.next++
	b.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

func (b *broadcaster) publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Version <= b.lastSent {
		return
	}
	b.lastSent = s.Version
	for _, fn := range b.subs {
		fn(s)
	}
}
