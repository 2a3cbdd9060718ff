package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the full gRPC name of the identity service.
const ServiceName = "marketplace.identity.v1.IdentityService"

// IdentityServiceServer is the server API of the identity service. Messages are protobuf
// well-known types; state is returned as a Struct (see snapshotStruct).
type IdentityServiceServer interface {
	GetState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SwitchActiveProfile(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RetryProvisioning(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	EstablishSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
}

// RegisterIdentityServiceServer registers srv with s.
func RegisterIdentityServiceServer(s grpc.ServiceRegistrar, srv IdentityServiceServer) {
	s.RegisterService(&IdentityServiceDesc, srv)
}

// IdentityServiceDesc describes the identity service for grpc.ServiceRegistrar.
var IdentityServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IdentityServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetState", func(s IdentityServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.GetState(ctx, in)
		}),
		unary("Resolve", func(s IdentityServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Resolve(ctx, in)
		}),
		unary("SwitchActiveProfile", func(s IdentityServiceServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.SwitchActiveProfile(ctx, in)
		}),
		unary("RetryProvisioning", func(s IdentityServiceServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.RetryProvisioning(ctx, in)
		}),
		unary("EstablishSession", func(s IdentityServiceServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.EstablishSession(ctx, in)
		}),
		unary("SignOut", func(s IdentityServiceServer, ctx context.Context, in *wrapperspb.BoolValue) (any, error) {
			return s.SignOut(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/identity.proto",
}

func unary[Req any](method string, call func(IdentityServiceServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IdentityServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(IdentityServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls the identity service over cc.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient returns a Client using cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

// GetState returns the current identity state.
func (c *Client) GetState(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetState", &emptypb.Empty{}, out, opts...)
}

// Resolve triggers a resolution. force bypasses the throttle.
func (c *Client) Resolve(ctx context.Context, force bool, location string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"force": force, "location": location})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "Resolve", in, out, opts...)
}

// SwitchActiveProfile makes profileID the active profile.
func (c *Client) SwitchActiveProfile(ctx context.Context, profileID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "SwitchActiveProfile", wrapperspb.String(profileID), out, opts...)
}

// RetryProvisioning retries a conflicting provisioning with a corrected value.
func (c *Client) RetryProvisioning(ctx context.Context, value string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "RetryProvisioning", wrapperspb.String(value), out, opts...)
}

// EstablishSession hands a token pair to the daemon.
func (c *Client) EstablishSession(ctx context.Context, accessToken, refreshToken string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"access_token": accessToken, "refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "EstablishSession", in, out, opts...)
}

// SignOut drops the session; global also revokes it with the auth provider.
func (c *Client) SignOut(ctx context.Context, global bool, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "SignOut", wrapperspb.Bool(global), new(emptypb.Empty), opts...)
}
