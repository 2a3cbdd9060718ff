package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
	"freight-marketplace/identity/internal/resolver"
)

// Resolver is the identity state engine behind the service.
type Resolver interface {
	Snapshot() resolver.Snapshot
	Resolve(ctx context.Context, opts resolver.ResolveOptions) (resolver.Outcome, resolver.Snapshot)
	SwitchActiveProfile(ctx context.Context, profileID string) (resolver.Snapshot, error)
	RetryProvisioning(ctx context.Context, value string) (resolver.Snapshot, error)
}

// Sessions establishes and ends sessions.
type Sessions interface {
	Establish(accessToken, refreshToken string) (*identitydomain.Session, error)
	SignOut(ctx context.Context, scope identitydomain.SignOutScope) error
}

// IdentityServer implements IdentityService for the local application.
type IdentityServer struct {
	resolver Resolver
	sessions Sessions
}

var _ IdentityServiceServer = (*IdentityServer)(nil)

// NewIdentityServer returns a new Identity gRPC server. If sessions is nil, EstablishSession and
// SignOut return Unimplemented.
func NewIdentityServer(res Resolver, sessions Sessions) *IdentityServer {
	return &IdentityServer{resolver: res, sessions: sessions}
}

// GetState returns the current identity snapshot.
func (s *IdentityServer) GetState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(snapshotStruct(s.resolver.Snapshot(), ""))
}

// Resolve triggers a resolution. Request fields: force (bool), location (string).
// The response carries the outcome alongside the snapshot.
func (s *IdentityServer) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	opts := resolver.ResolveOptions{
		Force:    fields["force"].GetBoolValue(),
		Location: fields["location"].GetStringValue(),
		Source:   "rpc",
	}
	outcome, snap := s.resolver.Resolve(ctx, opts)
	if outcome == resolver.OutcomeNoSession {
		return nil, status.Error(codes.FailedPrecondition, "no active session")
	}
	return toStruct(snapshotStruct(snap, outcome))
}

// SwitchActiveProfile makes the given profile the active one.
func (s *IdentityServer) SwitchActiveProfile(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "profile id is required")
	}
	snap, err := s.resolver.SwitchActiveProfile(ctx, req.GetValue())
	if err != nil {
		return nil, mapError(err)
	}
	return toStruct(snapshotStruct(snap, ""))
}

// RetryProvisioning retries a conflicting profile creation with a corrected value.
func (s *IdentityServer) RetryProvisioning(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	snap, err := s.resolver.RetryProvisioning(ctx, req.GetValue())
	if err != nil {
		return nil, mapError(err)
	}
	return toStruct(snapshotStruct(snap, ""))
}

// EstablishSession verifies and installs a session. Request fields: access_token, refresh_token.
// Resolution starts asynchronously; poll GetState or call Resolve for the result.
func (s *IdentityServer) EstablishSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method EstablishSession not implemented")
	}
	fields := req.GetFields()
	access := fields["access_token"].GetStringValue()
	if access == "" {
		return nil, status.Error(codes.InvalidArgument, "access_token is required")
	}
	sess, err := s.sessions.Establish(access, fields["refresh_token"].GetStringValue())
	if err != nil {
		return nil, mapError(err)
	}
	out := map[string]any{
		"identity":   string(sess.Identity),
		"session_id": sess.ID,
	}
	if !sess.ExpiresAt.IsZero() {
		out["expires_at"] = formatTime(sess.ExpiresAt)
	}
	return toStruct(out)
}

// SignOut ends the session. A true value also revokes it with the auth provider.
func (s *IdentityServer) SignOut(ctx context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method SignOut not implemented")
	}
	scope := identitydomain.SignOutLocal
	if req.GetValue() {
		scope = identitydomain.SignOutGlobal
	}
	if err := s.sessions.SignOut(ctx, scope); err != nil {
		return nil, status.Error(codes.Unavailable, "sign-out could not reach the auth provider")
	}
	return &emptypb.Empty{}, nil
}

func mapError(err error) error {
	var ce *resolver.ClassifiedError
	switch {
	case errors.Is(err, resolver.ErrUnknownProfile):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, resolver.ErrNoPendingConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, resolver.ErrEmptyCorrection), errors.Is(err, profiledomain.ErrNotCorrectable):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, identitydomain.ErrSessionInvalid), errors.Is(err, identitydomain.ErrNoSession):
		return status.Error(codes.Unauthenticated, "session is invalid")
	case errors.As(err, &ce):
		return status.Error(kindCode(ce.Kind), ce.Message())
	}
	return status.Error(codes.Internal, "internal error")
}

func kindCode(k resolver.ErrorKind) codes.Code {
	switch k {
	case resolver.KindTimeout:
		return codes.DeadlineExceeded
	case resolver.KindConflict:
		return codes.AlreadyExists
	case resolver.KindInvalidSession:
		return codes.Unauthenticated
	case resolver.KindPolicyFault:
		return codes.Unavailable
	}
	return codes.Internal
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return st, nil
}
