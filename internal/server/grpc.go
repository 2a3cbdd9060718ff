package server

import (
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	identityhandler "freight-marketplace/identity/internal/identity/handler"
	"freight-marketplace/identity/internal/server/interceptors"
)

const (
	healthCheckMethod = "/grpc.health.v1.Health/Check"
	healthWatchMethod = "/grpc.health.v1.Health/Watch"
)

// Deps holds the service dependencies for gRPC handlers.
type Deps struct {
	// Resolver is the identity state engine behind IdentityService. Required.
	Resolver identityhandler.Resolver
	// Sessions establishes and ends sessions. If nil, EstablishSession and SignOut return Unimplemented.
	Sessions identityhandler.Sessions
	// Health is the standard gRPC health server. If nil, the health service is not registered.
	Health *health.Server
}

// Options configures the interceptors installed by NewServer.
type Options struct {
	Logger *slog.Logger
	// Tokens verifies bearer tokens. If nil, no authentication is applied (local development only).
	Tokens interceptors.TokenVerifier
	// Current returns the session the daemon holds; required when Tokens is set.
	Current interceptors.CurrentSession
}

// PublicMethods returns the full method names callable without a bearer token. GetState carries
// profile contact and document data, so it is not among them.
func PublicMethods() map[string]bool {
	return map[string]bool{
		"/" + identityhandler.ServiceName + "/EstablishSession": true,
		healthCheckMethod: true,
		healthWatchMethod: true,
	}
}

// NewServer returns a gRPC server with tracing, request logging and, when opts.Tokens is set,
// bearer authentication.
func NewServer(opts Options) *grpc.Server {
	chain := []grpc.UnaryServerInterceptor{
		interceptors.LoggingUnary(opts.Logger, map[string]bool{healthCheckMethod: true}),
	}
	if opts.Tokens != nil && opts.Current != nil {
		chain = append(chain, interceptors.AuthUnary(opts.Tokens, opts.Current, PublicMethods()))
	}
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - marketplace.identity.v1.IdentityService → internal/identity/handler
//   - grpc.health.v1.Health                   → google.golang.org/grpc/health (status set by internal/health)
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	identityhandler.RegisterIdentityServiceServer(s, identityhandler.NewIdentityServer(deps.Resolver, deps.Sessions))
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
