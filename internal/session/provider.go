// Package session holds the current authenticated session, keeps it fresh through the auth API,
// and turns session changes into identity resolutions.
package session

import (
	"context"
	"errors"
	"fmt"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

var (
	// ErrNoSession is returned when an operation needs a session and none is established.
	ErrNoSession = identitydomain.ErrNoSession
	// ErrSessionRevoked is returned when the auth API no longer accepts the session's refresh token.
	ErrSessionRevoked = fmt.Errorf("session revoked: %w", identitydomain.ErrSessionInvalid)
	// ErrIdentityChanged is returned when a refresh yields a session for a different identity.
	ErrIdentityChanged = fmt.Errorf("refreshed session belongs to another identity: %w", identitydomain.ErrSessionInvalid)
	// ErrNoRefreshToken is returned by Refresh when the session carries no refresh token.
	ErrNoRefreshToken = errors.New("session has no refresh token")
)

// Provider is the session source consumed by the resolver and the listener.
type Provider interface {
	Current() *identitydomain.Session
	Subscribe(fn func(identitydomain.SessionEvent)) func()
	Refresh(ctx context.Context) (*identitydomain.Session, error)
	SignOut(ctx context.Context, scope identitydomain.SignOutScope) error
}

// Verifier turns an access token into a session. Implemented by security.TokenVerifier.
type Verifier interface {
	Verify(token string) (*identitydomain.Session, error)
}

// Tokens is a token pair returned by the auth API.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// AuthAPI is the remote auth service used to refresh and revoke sessions.
type AuthAPI interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	Logout(ctx context.Context, accessToken string) error
}
