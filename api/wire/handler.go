package wire

import (
	"context"

	"google.golang.org/grpc"
)

// HandlerService is the full method prefix of the instance-side surface.
// Instances expose it; the coordinator dials it to forward commands and
// queries after routing.
const HandlerService = "switchyard.v1.Handler"

// HandlerServer is implemented by handler instances.
type HandlerServer interface {
	ExecuteCommand(context.Context, *CommandEnvelope) (*CommandResult, error)
	ExecuteQuery(context.Context, *QueryEnvelope) (*QueryResult, error)
}

// RegisterHandlerServer registers impl on an instance's gRPC server.
func RegisterHandlerServer(s *grpc.Server, impl HandlerServer) {
	s.RegisterService(&handlerServiceDesc, impl)
}

var handlerServiceDesc = grpc.ServiceDesc{
	ServiceName: HandlerService,
	HandlerType: (*HandlerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteCommand", Handler: executeCommandHandler},
		{MethodName: "ExecuteQuery", Handler: executeQueryHandler},
	},
}

func executeCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CommandEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HandlerServer).ExecuteCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + HandlerService + "/ExecuteCommand"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(HandlerServer).ExecuteCommand(ctx, req.(*CommandEnvelope))
	})
}

func executeQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(QueryEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HandlerServer).ExecuteQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + HandlerService + "/ExecuteQuery"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(HandlerServer).ExecuteQuery(ctx, req.(*QueryEnvelope))
	})
}

// HandlerClient is the coordinator's view of one handler instance.
type HandlerClient interface {
	ExecuteCommand(ctx context.Context, in *CommandEnvelope, opts ...grpc.CallOption) (*CommandResult, error)
	ExecuteQuery(ctx context.Context, in *QueryEnvelope, opts ...grpc.CallOption) (*QueryResult, error)
}

type handlerClient struct {
	cc grpc.ClientConnInterface
}

// NewHandlerClient wraps a client connection to a handler instance.
func NewHandlerClient(cc grpc.ClientConnInterface) HandlerClient {
	return &handlerClient{cc: cc}
}

func (c *handlerClient) ExecuteCommand(ctx context.Context, in *CommandEnvelope, opts ...grpc.CallOption) (*CommandResult, error) {
	out := new(CommandResult)
	if err := c.cc.Invoke(ctx, "/"+HandlerService+"/ExecuteCommand", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *handlerClient) ExecuteQuery(ctx context.Context, in *QueryEnvelope, opts ...grpc.CallOption) (*QueryResult, error) {
	out := new(QueryResult)
	if err := c.cc.Invoke(ctx, "/"+HandlerService+"/ExecuteQuery", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
