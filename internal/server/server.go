// Package server implements the switchyard.v1.Coordinator RPC surface
// on top of the registry, health monitor, router, event store, and
// forwarding pool.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"switchyard"
	"switchyard/api/wire"
	"switchyard/config"
	"switchyard/internal/eventstore"
	"switchyard/internal/forward"
	"switchyard/internal/health"
	"switchyard/internal/registry"
	"switchyard/internal/router"
)

// Clock abstracts wall-clock reads.
type Clock interface {
	Now() time.Time
}

// Server is the coordinator RPC implementation.
type Server struct {
	cfg      config.Config
	registry *registry.Registry
	monitor  *health.Monitor
	router   *router.Router
	store    *eventstore.Store
	pool     *forward.Pool
	clock    Clock
	log      *slog.Logger
}

func New(cfg config.Config, reg *registry.Registry, mon *health.Monitor, rt *router.Router, store *eventstore.Store, pool *forward.Pool, clock Clock, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		monitor:  mon,
		router:   rt,
		store:    store,
		pool:     pool,
		clock:    clock,
		log:      log,
	}
}

var _ wire.CoordinatorServer = (*Server)(nil)

// GRPCServer builds the gRPC server with the JSON codec and tracing
// stats handler, and registers the coordinator service.
func (s *Server) GRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		wire.ServerOption(),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	wire.RegisterCoordinatorServer(srv, s)
	return srv
}

// ListenAndServe serves the coordinator on cfg.ListenAddr until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen coordinator: %w", err)
	}

	srv := s.GRPCServer()
	s.log.Info("coordinator listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// ackOK is the success acknowledgement.
func ackOK() *wire.Ack {
	return &wire.Ack{Success: true, ErrorCode: string(switchyard.CodeOK)}
}

// ackErr folds a domain error into an acknowledgement envelope.
func ackErr(err error) *wire.Ack {
	return &wire.Ack{Success: false, Message: err.Error(), ErrorCode: string(switchyard.CodeOf(err))}
}
