package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "certledger.v1.VerificationService"

// VerificationServer is the server API of the verification service. Requests
// and responses are google.protobuf.Struct documents carrying the same JSON
// fields as the HTTP API.
type VerificationServer interface {
	Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetProof(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetTip(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(VerificationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VerificationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(VerificationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes VerificationService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VerificationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: unary("Verify", VerificationServer.Verify)},
		{MethodName: "GetProof", Handler: unary("GetProof", VerificationServer.GetProof)},
		{MethodName: "GetTip", Handler: unary("GetTip", VerificationServer.GetTip)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "certledger/v1/verification.proto",
}

// RegisterVerificationServer registers srv on s.
func RegisterVerificationServer(s grpc.ServiceRegistrar, srv VerificationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls a remote VerificationService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify calls VerificationService.Verify.
func (c *Client) Verify(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Verify", in, opts...)
}

// GetProof calls VerificationService.GetProof.
func (c *Client) GetProof(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetProof", in, opts...)
}

// GetTip calls VerificationService.GetTip.
func (c *Client) GetTip(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetTip", in, opts...)
}
