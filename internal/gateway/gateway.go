// Package gateway is the transparent pass-through listener: clients
// invoke handler-specific gRPC services through the coordinator, and
// the gateway proxies each stream to the instance selected by routing
// metadata, without knowing the service's message types.
//
// Routing metadata keys:
//
//	sy-kind          COMMAND | QUERY | EVENT
//	sy-type          handler type name
//	sy-aggregate-id  optional; enables aggregate affinity
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	grpcproxy "github.com/siderolabs/grpc-proxy/proxy"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"switchyard"
)

// Metadata keys consulted by the director.
const (
	MetaKind        = "sy-kind"
	MetaType        = "sy-type"
	MetaAggregateID = "sy-aggregate-id"
)

// Router is the routing decision the gateway needs.
type Router interface {
	Route(ctx context.Context, kind switchyard.HandlerKind, typeName, aggregateID string) (switchyard.Instance, error)
}

// Gateway proxies unknown services to routed instances.
type Gateway struct {
	router   Router
	log      *slog.Logger
	backends sync.Map
}

func New(router Router, log *slog.Logger) *Gateway {
	return &Gateway{router: router, log: log}
}

// ListenAndServe runs the gateway listener until ctx is canceled.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen gateway: %w", err)
	}

	srv := grpc.NewServer(
		grpc.ForceServerCodecV2(grpcproxy.Codec()),
		grpc.UnknownServiceHandler(grpcproxy.TransparentHandler(g.Director)),
	)
	g.log.Info("gateway listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		g.Close()
		return ctx.Err()
	case err := <-errc:
		g.Close()
		return err
	}
}

// Director implements grpcproxy.StreamDirector: it reads the routing
// metadata, asks the router for an instance, and returns a backend
// dialed to it.
func (g *Gateway) Director(ctx context.Context, fullMethodName string) (grpcproxy.Mode, []grpcproxy.Backend, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return grpcproxy.One2One, nil, status.Error(codes.InvalidArgument, "missing routing metadata")
	}

	kindStr := first(md, MetaKind)
	typeName := first(md, MetaType)
	if kindStr == "" || typeName == "" {
		return grpcproxy.One2One, nil, status.Errorf(codes.InvalidArgument,
			"%s and %s metadata are required", MetaKind, MetaType)
	}
	kind, ok := switchyard.ParseHandlerKind(kindStr)
	if !ok {
		return grpcproxy.One2One, nil, status.Errorf(codes.InvalidArgument, "unknown kind %q", kindStr)
	}

	inst, err := g.router.Route(ctx, kind, typeName, first(md, MetaAggregateID))
	if err != nil {
		return grpcproxy.One2One, nil, status.Error(routeErrCode(err), err.Error())
	}

	backend, err := g.backend(inst)
	if err != nil {
		return grpcproxy.One2One, nil, status.Error(codes.Internal, err.Error())
	}
	g.log.Debug("gateway routed stream",
		"method", fullMethodName, "kind", kindStr, "type", typeName, "instance", inst.ID)
	return grpcproxy.One2One, []grpcproxy.Backend{backend}, nil
}

func (g *Gateway) backend(inst switchyard.Instance) (*instanceBackend, error) {
	target := net.JoinHostPort(inst.Host, fmt.Sprintf("%d", inst.Port))
	if b, ok := g.backends.Load(target); ok {
		return b.(*instanceBackend), nil
	}
	backend := &instanceBackend{target: target, instanceID: inst.ID}
	existing, loaded := g.backends.LoadOrStore(target, backend)
	if loaded {
		return existing.(*instanceBackend), nil
	}
	return backend, nil
}

// Close drops every cached backend connection.
func (g *Gateway) Close() {
	g.backends.Range(func(key, value any) bool {
		value.(*instanceBackend).Close()
		g.backends.Delete(key)
		return true
	})
}

func routeErrCode(err error) codes.Code {
	switch switchyard.CodeOf(err) {
	case switchyard.CodeInvalid:
		return codes.InvalidArgument
	case switchyard.CodeNoHandler:
		return codes.FailedPrecondition
	case switchyard.CodeRegistryUnavailable:
		return codes.Unavailable
	case switchyard.CodeDeadlineExceeded:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// instanceBackend proxies one stream to a handler instance over TCP.
type instanceBackend struct {
	target     string
	instanceID string

	mu   sync.RWMutex
	conn *grpc.ClientConn
}

var _ grpcproxy.Backend = (*instanceBackend)(nil)

func (b *instanceBackend) String() string { return b.target }

func (b *instanceBackend) GetConnection(ctx context.Context, _ string) (context.Context, *grpc.ClientConn, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	md = md.Copy()
	if authority := md[":authority"]; len(authority) > 0 {
		md.Set("proxy-authority", authority...)
	}
	delete(md, ":authority")
	delete(md, MetaKind)
	delete(md, MetaType)
	delete(md, MetaAggregateID)
	outCtx := metadata.NewOutgoingContext(ctx, md)

	b.mu.RLock()
	if b.conn != nil {
		defer b.mu.RUnlock()
		return outCtx, b.conn, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return outCtx, b.conn, nil
	}

	backoffConfig := backoff.DefaultConfig
	backoffConfig.MaxDelay = 15 * time.Second

	conn, err := grpc.NewClient(
		b.target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: 10 * time.Second,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodecV2(grpcproxy.Codec())),
	)
	if err != nil {
		return outCtx, nil, err
	}
	b.conn = conn
	return outCtx, b.conn, nil
}

func (b *instanceBackend) AppendInfo(_ bool, resp []byte) ([]byte, error) {
	return resp, nil
}

func (b *instanceBackend) BuildError(bool, error) ([]byte, error) {
	return nil, nil
}

func (b *instanceBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}
