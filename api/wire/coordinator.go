package wire

import (
	"context"

	"google.golang.org/grpc"
)

// CoordinatorService is the full method prefix of the coordinator surface.
const CoordinatorService = "switchyard.v1.Coordinator"

// CoordinatorServer is the server-side contract of the coordinator surface.
type CoordinatorServer interface {
	RegisterHandlers(context.Context, *RegisterHandlersRequest) (*RegistrationSummary, error)
	UnregisterHandlers(context.Context, *UnregisterHandlersRequest) (*UnregistrationSummary, error)
	SendHeartbeat(context.Context, *HeartbeatRequest) (*Ack, error)
	DiscoverHandlers(context.Context, *DiscoverHandlersRequest) (*DiscoverHandlersResponse, error)
	SubmitCommand(context.Context, *SubmitCommandRequest) (*SubmitCommandResponse, error)
	SubmitQuery(context.Context, *SubmitQueryRequest) (*SubmitQueryResponse, error)
	SubmitEvent(context.Context, *SubmitEventRequest) (*SubmitEventResponse, error)
	SaveSnapshot(context.Context, *SaveSnapshotRequest) (*Ack, error)
	LatestSnapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	StreamHealth(Coordinator_StreamHealthServer) error
	ReadEvents(*ReadEventsRequest, Coordinator_ReadEventsServer) error
	ReadAll(*ReadAllRequest, Coordinator_ReadAllServer) error
}

// RegisterCoordinatorServer registers impl on a gRPC server. The server
// must be constructed with ServerOption() so the JSON codec is in force.
func RegisterCoordinatorServer(s *grpc.Server, impl CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, impl)
}

// --- server stream views ---

// Coordinator_StreamHealthServer is the server view of the bidirectional
// health stream.
type Coordinator_StreamHealthServer interface {
	Send(*Ack) error
	Recv() (*HeartbeatRequest, error)
	grpc.ServerStream
}

type coordinatorStreamHealthServer struct{ grpc.ServerStream }

func (s *coordinatorStreamHealthServer) Send(m *Ack) error { return s.ServerStream.SendMsg(m) }

func (s *coordinatorStreamHealthServer) Recv() (*HeartbeatRequest, error) {
	m := new(HeartbeatRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Coordinator_ReadEventsServer is the server view of the per-aggregate
// event stream.
type Coordinator_ReadEventsServer interface {
	Send(*EventRecord) error
	grpc.ServerStream
}

type coordinatorReadEventsServer struct{ grpc.ServerStream }

func (s *coordinatorReadEventsServer) Send(m *EventRecord) error { return s.ServerStream.SendMsg(m) }

// Coordinator_ReadAllServer is the server view of the global log stream.
type Coordinator_ReadAllServer interface {
	Send(*EventRecord) error
	grpc.ServerStream
}

type coordinatorReadAllServer struct{ grpc.ServerStream }

func (s *coordinatorReadAllServer) Send(m *EventRecord) error { return s.ServerStream.SendMsg(m) }

// --- service descriptor ---

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorService,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterHandlers", Handler: registerHandlersHandler},
		{MethodName: "UnregisterHandlers", Handler: unregisterHandlersHandler},
		{MethodName: "SendHeartbeat", Handler: sendHeartbeatHandler},
		{MethodName: "DiscoverHandlers", Handler: discoverHandlersHandler},
		{MethodName: "SubmitCommand", Handler: submitCommandHandler},
		{MethodName: "SubmitQuery", Handler: submitQueryHandler},
		{MethodName: "SubmitEvent", Handler: submitEventHandler},
		{MethodName: "SaveSnapshot", Handler: saveSnapshotHandler},
		{MethodName: "LatestSnapshot", Handler: latestSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamHealth", Handler: streamHealthHandler, ServerStreams: true, ClientStreams: true},
		{StreamName: "ReadEvents", Handler: readEventsHandler, ServerStreams: true},
		{StreamName: "ReadAll", Handler: readAllHandler, ServerStreams: true},
	},
}

// unary dispatches one unary method: decode into in, then call method,
// running through the interceptor chain when one is installed.
func unary[Req any](
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
	fullMethod string,
	method func(CoordinatorServer, context.Context, *Req) (any, error),
) (any, error) {
	in := new(Req)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return method(srv.(CoordinatorServer), ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return method(srv.(CoordinatorServer), ctx, req.(*Req))
	})
}

func registerHandlersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/RegisterHandlers",
		func(s CoordinatorServer, ctx context.Context, req *RegisterHandlersRequest) (any, error) {
			return s.RegisterHandlers(ctx, req)
		})
}

func unregisterHandlersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/UnregisterHandlers",
		func(s CoordinatorServer, ctx context.Context, req *UnregisterHandlersRequest) (any, error) {
			return s.UnregisterHandlers(ctx, req)
		})
}

func sendHeartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/SendHeartbeat",
		func(s CoordinatorServer, ctx context.Context, req *HeartbeatRequest) (any, error) {
			return s.SendHeartbeat(ctx, req)
		})
}

func discoverHandlersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/DiscoverHandlers",
		func(s CoordinatorServer, ctx context.Context, req *DiscoverHandlersRequest) (any, error) {
			return s.DiscoverHandlers(ctx, req)
		})
}

func submitCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/SubmitCommand",
		func(s CoordinatorServer, ctx context.Context, req *SubmitCommandRequest) (any, error) {
			return s.SubmitCommand(ctx, req)
		})
}

func submitQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/SubmitQuery",
		func(s CoordinatorServer, ctx context.Context, req *SubmitQueryRequest) (any, error) {
			return s.SubmitQuery(ctx, req)
		})
}

func submitEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/SubmitEvent",
		func(s CoordinatorServer, ctx context.Context, req *SubmitEventRequest) (any, error) {
			return s.SubmitEvent(ctx, req)
		})
}

func saveSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/SaveSnapshot",
		func(s CoordinatorServer, ctx context.Context, req *SaveSnapshotRequest) (any, error) {
			return s.SaveSnapshot(ctx, req)
		})
}

func latestSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return unary(srv, ctx, dec, interceptor, "/"+CoordinatorService+"/LatestSnapshot",
		func(s CoordinatorServer, ctx context.Context, req *SnapshotRequest) (any, error) {
			return s.LatestSnapshot(ctx, req)
		})
}

func streamHealthHandler(srv any, stream grpc.ServerStream) error {
	return srv.(CoordinatorServer).StreamHealth(&coordinatorStreamHealthServer{stream})
}

func readEventsHandler(srv any, stream grpc.ServerStream) error {
	m := new(ReadEventsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CoordinatorServer).ReadEvents(m, &coordinatorReadEventsServer{stream})
}

func readAllHandler(srv any, stream grpc.ServerStream) error {
	m := new(ReadAllRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CoordinatorServer).ReadAll(m, &coordinatorReadAllServer{stream})
}

// --- client ---

// CoordinatorClient is the client-side contract of the coordinator surface.
type CoordinatorClient interface {
	RegisterHandlers(ctx context.Context, in *RegisterHandlersRequest, opts ...grpc.CallOption) (*RegistrationSummary, error)
	UnregisterHandlers(ctx context.Context, in *UnregisterHandlersRequest, opts ...grpc.CallOption) (*UnregistrationSummary, error)
	SendHeartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*Ack, error)
	DiscoverHandlers(ctx context.Context, in *DiscoverHandlersRequest, opts ...grpc.CallOption) (*DiscoverHandlersResponse, error)
	SubmitCommand(ctx context.Context, in *SubmitCommandRequest, opts ...grpc.CallOption) (*SubmitCommandResponse, error)
	SubmitQuery(ctx context.Context, in *SubmitQueryRequest, opts ...grpc.CallOption) (*SubmitQueryResponse, error)
	SubmitEvent(ctx context.Context, in *SubmitEventRequest, opts ...grpc.CallOption) (*SubmitEventResponse, error)
	SaveSnapshot(ctx context.Context, in *SaveSnapshotRequest, opts ...grpc.CallOption) (*Ack, error)
	LatestSnapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error)
	StreamHealth(ctx context.Context, opts ...grpc.CallOption) (Coordinator_StreamHealthClient, error)
	ReadEvents(ctx context.Context, in *ReadEventsRequest, opts ...grpc.CallOption) (Coordinator_ReadEventsClient, error)
	ReadAll(ctx context.Context, in *ReadAllRequest, opts ...grpc.CallOption) (Coordinator_ReadAllClient, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient wraps a client connection. Callers should dial with
// grpc.WithDefaultCallOptions(CallOption()) or pass CallOption() per call.
func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc: cc}
}

func invoke[Resp any](c *coordinatorClient, ctx context.Context, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, "/"+CoordinatorService+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) RegisterHandlers(ctx context.Context, in *RegisterHandlersRequest, opts ...grpc.CallOption) (*RegistrationSummary, error) {
	return invoke[RegistrationSummary](c, ctx, "RegisterHandlers", in, opts)
}

func (c *coordinatorClient) UnregisterHandlers(ctx context.Context, in *UnregisterHandlersRequest, opts ...grpc.CallOption) (*UnregistrationSummary, error) {
	return invoke[UnregistrationSummary](c, ctx, "UnregisterHandlers", in, opts)
}

func (c *coordinatorClient) SendHeartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](c, ctx, "SendHeartbeat", in, opts)
}

func (c *coordinatorClient) DiscoverHandlers(ctx context.Context, in *DiscoverHandlersRequest, opts ...grpc.CallOption) (*DiscoverHandlersResponse, error) {
	return invoke[DiscoverHandlersResponse](c, ctx, "DiscoverHandlers", in, opts)
}

func (c *coordinatorClient) SubmitCommand(ctx context.Context, in *SubmitCommandRequest, opts ...grpc.CallOption) (*SubmitCommandResponse, error) {
	return invoke[SubmitCommandResponse](c, ctx, "SubmitCommand", in, opts)
}

func (c *coordinatorClient) SubmitQuery(ctx context.Context, in *SubmitQueryRequest, opts ...grpc.CallOption) (*SubmitQueryResponse, error) {
	return invoke[SubmitQueryResponse](c, ctx, "SubmitQuery", in, opts)
}

func (c *coordinatorClient) SubmitEvent(ctx context.Context, in *SubmitEventRequest, opts ...grpc.CallOption) (*SubmitEventResponse, error) {
	return invoke[SubmitEventResponse](c, ctx, "SubmitEvent", in, opts)
}

func (c *coordinatorClient) SaveSnapshot(ctx context.Context, in *SaveSnapshotRequest, opts ...grpc.CallOption) (*Ack, error) {
	return invoke[Ack](c, ctx, "SaveSnapshot", in, opts)
}

func (c *coordinatorClient) LatestSnapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](c, ctx, "LatestSnapshot", in, opts)
}

// Coordinator_StreamHealthClient is the client view of the health stream.
type Coordinator_StreamHealthClient interface {
	Send(*HeartbeatRequest) error
	Recv() (*Ack, error)
	grpc.ClientStream
}

type coordinatorStreamHealthClient struct{ grpc.ClientStream }

func (s *coordinatorStreamHealthClient) Send(m *HeartbeatRequest) error {
	return s.ClientStream.SendMsg(m)
}

func (s *coordinatorStreamHealthClient) Recv() (*Ack, error) {
	m := new(Ack)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *coordinatorClient) StreamHealth(ctx context.Context, opts ...grpc.CallOption) (Coordinator_StreamHealthClient, error) {
	stream, err := c.cc.NewStream(ctx, &coordinatorServiceDesc.Streams[0], "/"+CoordinatorService+"/StreamHealth", opts...)
	if err != nil {
		return nil, err
	}
	return &coordinatorStreamHealthClient{stream}, nil
}

// Coordinator_ReadEventsClient is the client view of the per-aggregate
// event stream.
type Coordinator_ReadEventsClient interface {
	Recv() (*EventRecord, error)
	grpc.ClientStream
}

type coordinatorReadEventsClient struct{ grpc.ClientStream }

func (s *coordinatorReadEventsClient) Recv() (*EventRecord, error) {
	m := new(EventRecord)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *coordinatorClient) ReadEvents(ctx context.Context, in *ReadEventsRequest, opts ...grpc.CallOption) (Coordinator_ReadEventsClient, error) {
	stream, err := c.cc.NewStream(ctx, &coordinatorServiceDesc.Streams[1], "/"+CoordinatorService+"/ReadEvents", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &coordinatorReadEventsClient{stream}, nil
}

// Coordinator_ReadAllClient is the client view of the global log stream.
type Coordinator_ReadAllClient interface {
	Recv() (*EventRecord, error)
	grpc.ClientStream
}

type coordinatorReadAllClient struct{ grpc.ClientStream }

func (s *coordinatorReadAllClient) Recv() (*EventRecord, error) {
	m := new(EventRecord)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *coordinatorClient) ReadAll(ctx context.Context, in *ReadAllRequest, opts ...grpc.CallOption) (Coordinator_ReadAllClient, error) {
	stream, err := c.cc.NewStream(ctx, &coordinatorServiceDesc.Streams[2], "/"+CoordinatorService+"/ReadAll", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &coordinatorReadAllClient{stream}, nil
}
