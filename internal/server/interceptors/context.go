package interceptors

import (
	"context"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

type contextKey struct{ name string }

var (
	identityKey  = contextKey{"identity"}
	sessionIDKey = contextKey{"session_id"}
)

// WithIdentity returns a context carrying the caller's identity and session id.
func WithIdentity(ctx context.Context, identity identitydomain.Identity, sessionID string) context.Context {
	ctx = context.WithValue(ctx, identityKey, identity)
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return ctx
}

// GetIdentity returns the identity from context and true if set; otherwise "", false.
func GetIdentity(ctx context.Context) (identitydomain.Identity, bool) {
	v, ok := ctx.Value(identityKey).(identitydomain.Identity)
	return v, ok
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	return v, ok
}
