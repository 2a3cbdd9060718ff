package domain

import "time"

// Identity is the stable account id issued by the authentication provider.
type Identity string

// Metadata is the identity information the auth provider attaches to a session.
// Used to build a default profile for a first-time identity.
type Metadata struct {
	Name     string
	Email    string
	Phone    string
	Document string
	Role     string // requested default role; empty means PRODUCER
}

// Session is an authenticated session for one identity. A refreshed session replaces the
// previous one; sessions are never mutated after they are published.
type Session struct {
	ID           string
	Identity     Identity
	AccessToken  string
	RefreshToken string
	Metadata     Metadata
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Valid reports whether the session names an identity and has not expired at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Identity == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

type SessionEventKind string

const (
	SessionEstablished SessionEventKind = "established"
	SessionRefreshed   SessionEventKind = "refreshed"
	SessionRevoked     SessionEventKind = "revoked"
)

// SessionEvent is emitted by the session provider whenever the current session changes.
// Session is nil for SessionRevoked; Previous is the session that was replaced, if any.
type SessionEvent struct {
	Kind     SessionEventKind
	Session  *Session
	Previous *Session
}

// SignOutScope selects whether sign-out only clears local state or also revokes the
// session with the auth provider.
type SignOutScope string

const (
	SignOutLocal  SignOutScope = "local"
	SignOutGlobal SignOutScope = "global"
)
