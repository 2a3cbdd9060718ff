package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
)

const bearerPrefix = "bearer "

// TokenVerifier validates a bearer token. Implemented by security.TokenVerifier.
type TokenVerifier interface {
	Verify(token string) (*identitydomain.Session, error)
}

// CurrentSession returns the session the daemon currently holds, or nil.
type CurrentSession func() *identitydomain.Session

// AuthUnary returns a unary server interceptor that requires a Bearer token for the identity the
// daemon is signed in as, and sets identity and session_id in context.
// publicMethods is the set of full method names callable without one (e.g. EstablishSession, health).
func AuthUnary(tokens TokenVerifier, current CurrentSession, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		token := extractBearer(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		caller, err := tokens.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		held := current()
		if held == nil || held.Identity != caller.Identity {
			return nil, status.Error(codes.PermissionDenied, "token does not match the signed-in identity")
		}
		return handler(WithIdentity(ctx, caller.Identity, caller.ID), req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
