package session

import (
	"context"
	"log/slog"
	"sync"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

// Manager owns the current session. Sessions are replaced, never mutated; every replacement is
// published to subscribers after the manager's lock is released.
type Manager struct {
	verifier Verifier
	auth     AuthAPI
	logger   *slog.Logger

	mu      sync.Mutex
	cur     *identitydomain.Session
	subs    map[int]func(identitydomain.SessionEvent)
	nextSub int

	// refreshMu serializes refreshes so a rotated refresh token is never used twice.
	refreshMu sync.Mutex
}

var _ Provider = (*Manager)(nil)

// NewManager returns a Manager with no session. auth may be nil, in which case Refresh fails
// with ErrNoRefreshToken and global sign-out only clears local state.
func NewManager(verifier Verifier, auth AuthAPI, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		verifier: verifier,
		auth:     auth,
		logger:   logger,
		subs:     make(map[int]func(identitydomain.SessionEvent)),
	}
}

// Current returns the current session, or nil.
func (m *Manager) Current() *identitydomain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Subscribe registers fn for session events and returns a cancel function.
// fn runs on the goroutine that changed the session.
func (m *Manager) Subscribe(fn func(identitydomain.SessionEvent)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Establish verifies accessToken and makes it the current session.
func (m *Manager) Establish(accessToken, refreshToken string) (*identitydomain.Session, error) {
	s, err := m.verifier.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	s.RefreshToken = refreshToken
	prev := m.swap(s)
	m.logger.Info("session: established", "identity", s.Identity, "session_id", s.ID)
	m.publish(identitydomain.SessionEvent{Kind: identitydomain.SessionEstablished, Session: s, Previous: prev})
	return s, nil
}

// Refresh exchanges the refresh token for a new session of the same identity. A rejected
// refresh token revokes the local session.
func (m *Manager) Refresh(ctx context.Context) (*identitydomain.Session, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	prev := m.Current()
	if prev == nil {
		return nil, ErrNoSession
	}
	if m.auth == nil || prev.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	tokens, err := m.auth.Refresh(ctx, prev.RefreshToken)
	if err != nil {
		if isRevoked(err) {
			m.revoke(prev)
		}
		return nil, err
	}
	s, err := m.verifier.Verify(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if s.Identity != prev.Identity {
		return nil, ErrIdentityChanged
	}
	s.RefreshToken = tokens.RefreshToken
	if s.RefreshToken == "" {
		s.RefreshToken = prev.RefreshToken
	}

	m.mu.Lock()
	if m.cur != prev {
		// Signed out or replaced while the refresh was in flight.
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	m.cur = s
	m.mu.Unlock()
	m.logger.Info("session: refreshed", "identity", s.Identity, "session_id", s.ID)
	m.publish(identitydomain.SessionEvent{Kind: identitydomain.SessionRefreshed, Session: s, Previous: prev})
	return s, nil
}

// SignOut drops the current session. A global sign-out also revokes it with the auth API; the
// local state is cleared even when that call fails.
func (m *Manager) SignOut(ctx context.Context, scope identitydomain.SignOutScope) error {
	prev := m.swap(nil)
	if prev == nil {
		return nil
	}
	m.logger.Info("session: signed out", "identity", prev.Identity, "scope", scope)
	m.publish(identitydomain.SessionEvent{Kind: identitydomain.SessionRevoked, Previous: prev})
	if scope != identitydomain.SignOutGlobal || m.auth == nil {
		return nil
	}
	return m.auth.Logout(ctx, prev.AccessToken)
}

func (m *Manager) revoke(prev *identitydomain.Session) {
	m.mu.Lock()
	if m.cur != prev {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	m.mu.Unlock()
	m.logger.Warn("session: refresh token rejected, session revoked", "identity", prev.Identity)
	m.publish(identitydomain.SessionEvent{Kind: identitydomain.SessionRevoked, Previous: prev})
}

func (m *Manager) swap(s *identitydomain.Session) *identitydomain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.cur
	m.cur = s
	return prev
}

func (m *Manager) publish(ev identitydomain.SessionEvent) {
	m.mu.Lock()
	fns := make([]func(identitydomain.SessionEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
