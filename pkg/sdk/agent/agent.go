// Package agent is the handler-instance runtime: it serves the
// instance-side RPC surface, registers the instance's handler types
// with the coordinator, and keeps the registration alive with periodic
// heartbeats and a health stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"switchyard"
	"switchyard/api/wire"
	"switchyard/pkg/sdk/client"
)

// CommandFunc handles one command type. The returned bytes become the
// command result payload.
type CommandFunc func(ctx context.Context, env *wire.CommandEnvelope) ([]byte, error)

// QueryFunc handles one query type.
type QueryFunc func(ctx context.Context, env *wire.QueryEnvelope) ([]byte, error)

// Config describes one handler instance.
type Config struct {
	// Coordinator is the coordinator's host:port.
	Coordinator string
	// InstanceID is unique per process lifetime. Empty generates one.
	InstanceID  string
	ServiceName string
	// Host and Port are the advertised address of this instance's
	// handler listener. Port 0 binds an ephemeral port and advertises
	// the bound one.
	Host string
	Port int
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	Metadata          map[string]string
	Schemas           map[string]string
}

// Agent runs one handler instance.
type Agent struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	commands map[string]CommandFunc
	queries  map[string]QueryFunc
}

func New(cfg Config, log *slog.Logger) *Agent {
	if cfg.Coordinator == "" {
		cfg.Coordinator = client.DefaultTarget()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		log:      log,
		commands: make(map[string]CommandFunc),
		queries:  make(map[string]QueryFunc),
	}
}

// InstanceID returns the (possibly generated) instance identity.
func (a *Agent) InstanceID() string { return a.cfg.InstanceID }

// HandleCommand binds fn to one command type. Must be called before Run.
func (a *Agent) HandleCommand(commandType string, fn CommandFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands[commandType] = fn
}

// HandleQuery binds fn to one query type. Must be called before Run.
func (a *Agent) HandleQuery(queryType string, fn QueryFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries[queryType] = fn
}

// Run serves the handler surface, registers with the coordinator, and
// blocks until ctx is cancelled. On the way out it sends a STOPPING
// heartbeat and unregisters the instance.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen handler: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	srv := grpc.NewServer(wire.ServerOption())
	wire.RegisterHandlerServer(srv, a)

	c, err := client.Dial(a.cfg.Coordinator)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Register(ctx, client.Registration{
		InstanceID:  a.cfg.InstanceID,
		ServiceName: a.cfg.ServiceName,
		Host:        a.cfg.Host,
		Port:        port,
		Commands:    a.commandTypes(),
		Queries:     a.queryTypes(),
		Metadata:    a.cfg.Metadata,
		Schemas:     a.cfg.Schemas,
	}); err != nil {
		return err
	}
	a.log.Info("instance registered",
		"instance", a.cfg.InstanceID,
		"service", a.cfg.ServiceName,
		"addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(ln) }()
		select {
		case <-ctx.Done():
			srv.GracefulStop()
			return ctx.Err()
		case err := <-errc:
			return err
		}
	})
	g.Go(func() error { return a.heartbeatLoop(ctx, c) })
	g.Go(func() error { return a.maintainHealthStream(ctx, c) })

	err = g.Wait()
	a.shutdown(c)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) heartbeatLoop(ctx context.Context, c *client.Client) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Heartbeat(ctx, a.cfg.InstanceID, switchyard.StateHealthy); err != nil {
				a.log.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

// maintainHealthStream keeps the advisory health stream open,
// reconnecting with a short delay when it drops. Heartbeats ride the
// stream at the same interval as the unary loop; the coordinator treats
// both identically.
func (a *Agent) maintainHealthStream(ctx context.Context, c *client.Client) error {
	for {
		if err := a.runHealthStream(ctx, c); err != nil && ctx.Err() == nil {
			a.log.Warn("health stream dropped, reconnecting", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (a *Agent) runHealthStream(ctx context.Context, c *client.Client) error {
	stream, err := c.Coordinator().StreamHealth(ctx, wire.CallOption())
	if err != nil {
		return err
	}
	defer func() { _ = stream.CloseSend() }()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	send := func() error {
		if err := stream.Send(&wire.HeartbeatRequest{
			InstanceID:      a.cfg.InstanceID,
			ServiceName:     a.cfg.ServiceName,
			State:           switchyard.StateHealthy.String(),
			ClientTimestamp: time.Now(),
		}); err != nil {
			return err
		}
		_, err := stream.Recv()
		return err
	}
	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// shutdown announces STOPPING and removes the registration so routing
// stops immediately rather than at TTL expiry.
func (a *Agent) shutdown(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Heartbeat(ctx, a.cfg.InstanceID, switchyard.StateStopping); err != nil {
		a.log.Warn("stopping heartbeat failed", "err", err)
	}
	if _, err := c.Unregister(ctx, a.cfg.InstanceID, switchyard.HandlerSets{}); err != nil {
		a.log.Warn("unregister failed", "err", err)
	}
}

// ExecuteCommand dispatches a forwarded command to its bound handler.
func (a *Agent) ExecuteCommand(ctx context.Context, env *wire.CommandEnvelope) (*wire.CommandResult, error) {
	a.mu.RLock()
	fn, ok := a.commands[env.CommandType]
	a.mu.RUnlock()
	if !ok {
		return &wire.CommandResult{
			Success:   false,
			ErrorCode: string(switchyard.CodeNotFound),
			Message:   "no handler bound for command type " + env.CommandType,
		}, nil
	}
	result, err := fn(ctx, env)
	if err != nil {
		return &wire.CommandResult{
			Success:   false,
			ErrorCode: string(switchyard.CodeOf(err)),
			Message:   err.Error(),
		}, nil
	}
	return &wire.CommandResult{Success: true, ErrorCode: string(switchyard.CodeOK), Result: result}, nil
}

// ExecuteQuery dispatches a forwarded query to its bound handler.
func (a *Agent) ExecuteQuery(ctx context.Context, env *wire.QueryEnvelope) (*wire.QueryResult, error) {
	a.mu.RLock()
	fn, ok := a.queries[env.QueryType]
	a.mu.RUnlock()
	if !ok {
		return &wire.QueryResult{
			Success:   false,
			ErrorCode: string(switchyard.CodeNotFound),
			Message:   "no handler bound for query type " + env.QueryType,
		}, nil
	}
	payload, err := fn(ctx, env)
	if err != nil {
		return &wire.QueryResult{
			Success:   false,
			ErrorCode: string(switchyard.CodeOf(err)),
			Message:   err.Error(),
		}, nil
	}
	return &wire.QueryResult{Success: true, ErrorCode: string(switchyard.CodeOK), Payload: payload}, nil
}

func (a *Agent) commandTypes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.commands))
	for t := range a.commands {
		out = append(out, t)
	}
	return out
}

func (a *Agent) queryTypes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.queries))
	for t := range a.queries {
		out = append(out, t)
	}
	return out
}
