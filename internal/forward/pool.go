// Package forward dials handler instances and forwards routed commands
// and queries to their Handler service.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"

	"switchyard"
	"switchyard/api/wire"
)

// Pool caches one client connection per instance address. Connections
// are created lazily and reused across requests; a misbehaving target
// can be dropped with Invalidate.
type Pool struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewPool(log *slog.Logger) *Pool {
	return &Pool{log: log, conns: make(map[string]*grpc.ClientConn)}
}

func target(inst switchyard.Instance) string {
	return net.JoinHostPort(inst.Host, strconv.Itoa(inst.Port))
}

// ExecuteCommand forwards one command envelope to inst.
func (p *Pool) ExecuteCommand(ctx context.Context, inst switchyard.Instance, env *wire.CommandEnvelope) (*wire.CommandResult, error) {
	conn, err := p.conn(inst)
	if err != nil {
		return nil, err
	}
	res, err := wire.NewHandlerClient(conn).ExecuteCommand(ctx, env, wire.CallOption())
	if err != nil {
		return nil, fmt.Errorf("forward command to %s: %w", inst.ID, err)
	}
	return res, nil
}

// ExecuteQuery forwards one query envelope to inst.
func (p *Pool) ExecuteQuery(ctx context.Context, inst switchyard.Instance, env *wire.QueryEnvelope) (*wire.QueryResult, error) {
	conn, err := p.conn(inst)
	if err != nil {
		return nil, err
	}
	res, err := wire.NewHandlerClient(conn).ExecuteQuery(ctx, env, wire.CallOption())
	if err != nil {
		return nil, fmt.Errorf("forward query to %s: %w", inst.ID, err)
	}
	return res, nil
}

func (p *Pool) conn(inst switchyard.Instance) (*grpc.ClientConn, error) {
	addr := target(inst)

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}

	backoffConfig := backoff.DefaultConfig
	backoffConfig.MaxDelay = 15 * time.Second

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: 10 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial instance %s at %s: %w", inst.ID, addr, err)
	}
	p.conns[addr] = conn
	p.log.Debug("instance connection opened", "instance", inst.ID, "target", addr)
	return conn, nil
}

// Invalidate drops the cached connection to inst, closing it.
func (p *Pool) Invalidate(inst switchyard.Instance) {
	addr := target(inst)
	p.mu.Lock()
	conn, ok := p.conns[addr]
	delete(p.conns, addr)
	p.mu.Unlock()
	if ok {
		_ = conn.Close()
		p.log.Debug("instance connection dropped", "instance", inst.ID, "target", addr)
	}
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, addr)
	}
}
