package resolver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/selection"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeStore is an in-memory profile store with call counters and gates for interleaving.
type fakeStore struct {
	mu        sync.Mutex
	profiles  map[identitydomain.Identity][]*profiledomain.Profile
	roles     map[identitydomain.Identity][]profiledomain.Role
	documents map[string]identitydomain.Identity
	listErrs  []error
	updateErr error

	listGates     map[identitydomain.Identity]chan struct{}
	listEntered   chan identitydomain.Identity
	insertGate    chan struct{}
	insertEntered chan struct{}
	insertHook    func(d *profiledomain.Draft) error

	listCalls     int
	roleCalls     int
	roleOwners    [][]identitydomain.Identity
	insertCalls   int
	inFlight      int
	maxInFlight   int
	activeUpdates []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:      make(map[identitydomain.Identity][]*profiledomain.Profile),
		roles:         make(map[identitydomain.Identity][]profiledomain.Role),
		documents:     make(map[string]identitydomain.Identity),
		listGates:     make(map[identitydomain.Identity]chan struct{}),
		listEntered:   make(chan identitydomain.Identity, 64),
		insertEntered: make(chan struct{}, 64),
	}
}

func (s *fakeStore) addProfile(p *profiledomain.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Identity] = append(s.profiles[p.Identity], p)
	if p.Document != "" {
		s.documents[p.Document] = p.Identity
	}
}

func (s *fakeStore) gateList(identity identitydomain.Identity) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := make(chan struct{})
	s.listGates[identity] = g
	return g
}

func (s *fakeStore) setListErrs(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErrs = errs
}

func (s *fakeStore) counts() (list, roles, insert int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls, s.roleCalls, s.insertCalls
}

func (s *fakeStore) count(identity identitydomain.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles[identity])
}

func (s *fakeStore) ListProfiles(ctx context.Context, identity identitydomain.Identity, limit int) ([]*profiledomain.Profile, error) {
	s.mu.Lock()
	s.listCalls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	var err error
	if len(s.listErrs) > 0 {
		err = s.listErrs[0]
		s.listErrs = s.listErrs[1:]
	}
	gate := s.listGates[identity]
	s.mu.Unlock()

	select {
	case s.listEntered <- identity:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	if err != nil {
		return nil, err
	}
	var out []*profiledomain.Profile
	for _, p := range s.profiles[identity] {
		if len(out) == limit {
			break
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) ListRoles(_ context.Context, identities []identitydomain.Identity) (map[identitydomain.Identity][]profiledomain.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roleCalls++
	s.roleOwners = append(s.roleOwners, identities)
	out := make(map[identitydomain.Identity][]profiledomain.Role)
	for _, id := range identities {
		out[id] = s.roles[id]
	}
	return out, nil
}

func (s *fakeStore) InsertProfile(ctx context.Context, d *profiledomain.Draft) (*profiledomain.Profile, error) {
	s.mu.Lock()
	s.insertCalls++
	gate := s.insertGate
	hook := s.insertHook
	s.mu.Unlock()

	select {
	case s.insertEntered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		if err := hook(d); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Document != "" {
		if _, taken := s.documents[d.Document]; taken {
			return nil, &profiledomain.ConflictError{Field: profiledomain.FieldDocument, Constraint: "profiles_document_key"}
		}
	}
	p := &profiledomain.Profile{
		ID:          d.ID,
		Identity:    d.Identity,
		DisplayName: d.DisplayName,
		Email:       d.Email,
		Phone:       d.Phone,
		Document:    d.Document,
		PrimaryRole: d.PrimaryRole,
		Status:      d.Status,
		CreatedAt:   testEpoch,
	}
	s.profiles[d.Identity] = append(s.profiles[d.Identity], p)
	if d.Document != "" {
		s.documents[d.Document] = d.Identity
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) UpdateActiveFlag(_ context.Context, identity identitydomain.Identity, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeUpdates = append(s.activeUpdates, profileID)
	if s.updateErr != nil {
		return s.updateErr
	}
	for _, p := range s.profiles[identity] {
		p.Active = p.ID == profileID
	}
	return nil
}

type fakeSessions struct {
	mu           sync.Mutex
	cur          *identitydomain.Session
	refreshErr   error
	refreshCalls int
	onRefresh    func()
	signOuts     []identitydomain.SignOutScope
}

func (f *fakeSessions) set(s *identitydomain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = s
}

func (f *fakeSessions) Current() *identitydomain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeSessions) Refresh(context.Context) (*identitydomain.Session, error) {
	if f.onRefresh != nil {
		f.onRefresh()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.cur, nil
}

func (f *fakeSessions) SignOut(_ context.Context, scope identitydomain.SignOutScope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts = append(f.signOuts, scope)
	return nil
}

func (f *fakeSessions) stats() (refreshes int, signOuts []identitydomain.SignOutScope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls, append([]identitydomain.SignOutScope(nil), f.signOuts...)
}

type fakeWrites struct {
	mu      sync.Mutex
	changes []profiledomain.Change
}

func (w *fakeWrites) Remember(c profiledomain.Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.changes = append(w.changes, c)
}

func (w *fakeWrites) all() []profiledomain.Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]profiledomain.Change(nil), w.changes...)
}

type harness struct {
	r        *Resolver
	store    *fakeStore
	sessions *fakeSessions
	sel      *selection.MemoryStore
	clock    *fakeClock
	writes   *fakeWrites
}

func session(identity identitydomain.Identity) *identitydomain.Session {
	return &identitydomain.Session{
		ID:       "s-" + string(identity),
		Identity: identity,
		Metadata: identitydomain.Metadata{Name: "Ana Souza", Email: string(identity) + "@example.com"},
	}
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		sessions: &fakeSessions{cur: session("u1")},
		sel:      selection.NewMemoryStore(),
		clock:    newFakeClock(),
		writes:   &fakeWrites{},
	}
	var n int
	var idMu sync.Mutex
	o := Options{
		Now:    h.clock.Now,
		Writes: h.writes,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("p-new-%d", n)
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	h.r = New(h.store, h.sessions, h.sel, o)
	return h
}

func profile(id string, identity identitydomain.Identity, role profiledomain.Role, createdOffset time.Duration) *profiledomain.Profile {
	return &profiledomain.Profile{
		ID:          id,
		Identity:    identity,
		PrimaryRole: role,
		Status:      profiledomain.StatusApproved,
		CreatedAt:   testEpoch.Add(-time.Hour).Add(createdOffset),
	}
}

func phases(r *Resolver) (func() []Phase, func()) {
	var mu sync.Mutex
	var seen []Phase
	cancel := r.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Phase)
	})
	return func() []Phase {
		mu.Lock()
		defer mu.Unlock()
		return append([]Phase(nil), seen...)
	}, cancel
}

func containsInOrder(got []Phase, want ...Phase) bool {
	i := 0
	for _, p := range got {
		if i < len(want) && p == want[i] {
			i++
		}
	}
	return i == len(want)
}
