// Package client is the Go client for a switchyard coordinator.
// Handler instances and external tools use it to register, heartbeat,
// submit work, and read the event log.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"switchyard"
	"switchyard/api/wire"
)

const envCoordinator = "SWITCHYARD_COORDINATOR"

// DefaultTarget is the coordinator address used when none is given:
// $SWITCHYARD_COORDINATOR, or the local default listener.
func DefaultTarget() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envCoordinator)); fromEnv != "" {
		return fromEnv
	}
	return "127.0.0.1:7400"
}

// Client wraps a gRPC connection to a coordinator.
type Client struct {
	conn        *grpc.ClientConn
	coordinator wire.CoordinatorClient
}

// Dial connects to the coordinator at a host:port target.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(wire.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", target, err)
	}
	return &Client{conn: conn, coordinator: wire.NewCoordinatorClient(conn)}, nil
}

// NewWithDialer connects through a custom dialer. Tests use this with
// in-memory listeners.
func NewWithDialer(dialer func(ctx context.Context, addr string) (net.Conn, error)) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///coordinator",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
		grpc.WithDefaultCallOptions(wire.CallOption()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator with custom dialer: %w", err)
	}
	return &Client{conn: conn, coordinator: wire.NewCoordinatorClient(conn)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Coordinator exposes the raw wire client for callers that need the
// full surface.
func (c *Client) Coordinator() wire.CoordinatorClient {
	return c.coordinator
}

// Registration declares the handler types one instance serves.
type Registration struct {
	InstanceID  string
	ServiceName string
	Host        string
	Port        int
	Commands    []string
	Queries     []string
	Events      []string
	Metadata    map[string]string
	Schemas     map[string]string
}

// RegistrationSummary reports what a registration changed.
type RegistrationSummary struct {
	Commands        int
	Queries         int
	Events          int
	BindingsRemoved int
}

// Register declares handler bindings; re-registration replaces the
// instance's prior bindings atomically.
func (c *Client) Register(ctx context.Context, reg Registration) (RegistrationSummary, error) {
	resp, err := c.coordinator.RegisterHandlers(ctx, &wire.RegisterHandlersRequest{
		InstanceID:    reg.InstanceID,
		ServiceName:   reg.ServiceName,
		Host:          reg.Host,
		Port:          reg.Port,
		CommandTypes:  reg.Commands,
		QueryTypes:    reg.Queries,
		EventTypes:    reg.Events,
		Metadata:      reg.Metadata,
		SchemaMap:     reg.Schemas,
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		return RegistrationSummary{}, fmt.Errorf("register handlers: %w", err)
	}
	if !resp.Success {
		return RegistrationSummary{}, codedErr(resp.ErrorCode, resp.Message)
	}
	return RegistrationSummary{
		Commands:        resp.CommandsRegistered,
		Queries:         resp.QueriesRegistered,
		Events:          resp.EventsRegistered,
		BindingsRemoved: resp.BindingsRemoved,
	}, nil
}

// Unregister removes the given bindings; with all sets empty the whole
// instance is removed. Reports whether the instance is gone.
func (c *Client) Unregister(ctx context.Context, instanceID string, sets switchyard.HandlerSets) (bool, error) {
	resp, err := c.coordinator.UnregisterHandlers(ctx, &wire.UnregisterHandlersRequest{
		InstanceID:   instanceID,
		CommandTypes: sets.Commands,
		QueryTypes:   sets.Queries,
		EventTypes:   sets.Events,
	})
	if err != nil {
		return false, fmt.Errorf("unregister handlers: %w", err)
	}
	if !resp.Success {
		return false, codedErr(resp.ErrorCode, resp.Message)
	}
	return resp.InstanceRemoved, nil
}

// Heartbeat reports instance liveness and state.
func (c *Client) Heartbeat(ctx context.Context, instanceID string, state switchyard.HealthState) error {
	resp, err := c.coordinator.SendHeartbeat(ctx, &wire.HeartbeatRequest{
		InstanceID:      instanceID,
		State:           state.String(),
		ClientTimestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	if !resp.Success {
		return codedErr(resp.ErrorCode, resp.Message)
	}
	return nil
}

// Discovery is the result of a handler lookup.
type Discovery struct {
	Instances    []wire.InstanceInfo
	TotalCount   int
	HealthyCount int
}

// Discover lists the instances serving one handler type.
func (c *Client) Discover(ctx context.Context, kind switchyard.HandlerKind, typeName string, onlyHealthy bool) (Discovery, error) {
	resp, err := c.coordinator.DiscoverHandlers(ctx, &wire.DiscoverHandlersRequest{
		Kind:        kind.String(),
		TypeName:    typeName,
		OnlyHealthy: onlyHealthy,
	})
	if err != nil {
		return Discovery{}, fmt.Errorf("discover handlers: %w", err)
	}
	if code := switchyard.Code(resp.ErrorCode); code != switchyard.CodeOK && resp.ErrorCode != "" {
		return Discovery{}, codedErr(resp.ErrorCode, "discover "+typeName)
	}
	return Discovery{
		Instances:    resp.Instances,
		TotalCount:   resp.TotalCount,
		HealthyCount: resp.HealthyCount,
	}, nil
}

// CommandOutcome is a routed command's result.
type CommandOutcome struct {
	Result    []byte
	HandledBy string
}

// SubmitCommand routes a command to a healthy handler instance and
// returns its result. An empty CommandID or CorrelationID is filled
// with a fresh UUID.
func (c *Client) SubmitCommand(ctx context.Context, commandType, aggregateID string, payload []byte, correlationID string) (CommandOutcome, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	resp, err := c.coordinator.SubmitCommand(ctx, &wire.SubmitCommandRequest{
		CommandID:     uuid.NewString(),
		CommandType:   commandType,
		AggregateID:   aggregateID,
		Payload:       payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		return CommandOutcome{}, fmt.Errorf("submit command: %w", err)
	}
	if !resp.Success {
		return CommandOutcome{}, codedErr(resp.ErrorCode, resp.Message)
	}
	return CommandOutcome{Result: resp.Result, HandledBy: resp.HandledBy}, nil
}

// QueryOutcome is a routed query's response.
type QueryOutcome struct {
	Payload   []byte
	HandledBy string
}

// SubmitQuery routes a query to a healthy handler instance.
func (c *Client) SubmitQuery(ctx context.Context, queryType string, payload []byte, correlationID string) (QueryOutcome, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	resp, err := c.coordinator.SubmitQuery(ctx, &wire.SubmitQueryRequest{
		QueryID:       uuid.NewString(),
		QueryType:     queryType,
		Payload:       payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		return QueryOutcome{}, fmt.Errorf("submit query: %w", err)
	}
	if !resp.Success {
		return QueryOutcome{}, codedErr(resp.ErrorCode, resp.Message)
	}
	return QueryOutcome{Payload: resp.Payload, HandledBy: resp.HandledBy}, nil
}

// AppendEvent appends one event at the expected sequence number and
// returns its committed position.
func (c *Client) AppendEvent(ctx context.Context, ev switchyard.Event) (globalID, sequence int64, err error) {
	resp, err := c.coordinator.SubmitEvent(ctx, &wire.SubmitEventRequest{
		EventType:        ev.EventType,
		AggregateID:      ev.AggregateID,
		AggregateType:    ev.AggregateType,
		ExpectedSequence: ev.SequenceNumber,
		Payload:          ev.Payload,
		Metadata:         ev.Metadata,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("submit event: %w", err)
	}
	if !resp.Success {
		return 0, 0, codedErr(resp.ErrorCode, resp.Message)
	}
	return resp.GlobalID, resp.SequenceNumber, nil
}

// SaveSnapshot replaces the aggregate's snapshot.
func (c *Client) SaveSnapshot(ctx context.Context, snap switchyard.Snapshot) error {
	resp, err := c.coordinator.SaveSnapshot(ctx, &wire.SaveSnapshotRequest{
		AggregateID:    snap.AggregateID,
		AggregateType:  snap.AggregateType,
		SequenceNumber: snap.SequenceNumber,
		Payload:        snap.Payload,
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if !resp.Success {
		return codedErr(resp.ErrorCode, resp.Message)
	}
	return nil
}

// LatestSnapshot fetches the latest snapshot; found is false when the
// aggregate has none.
func (c *Client) LatestSnapshot(ctx context.Context, aggregateID string) (snap switchyard.Snapshot, found bool, err error) {
	resp, err := c.coordinator.LatestSnapshot(ctx, &wire.SnapshotRequest{AggregateID: aggregateID})
	if err != nil {
		return switchyard.Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	if code := switchyard.Code(resp.ErrorCode); code != switchyard.CodeOK && resp.ErrorCode != "" {
		return switchyard.Snapshot{}, false, codedErr(resp.ErrorCode, "snapshot "+aggregateID)
	}
	if !resp.Found {
		return switchyard.Snapshot{}, false, nil
	}
	return switchyard.Snapshot{
		AggregateID:    resp.AggregateID,
		AggregateType:  resp.AggregateType,
		SequenceNumber: resp.SequenceNumber,
		Payload:        resp.Payload,
		Timestamp:      resp.Timestamp,
	}, true, nil
}

// ReadEvents streams one aggregate's events from a sequence number.
// The channel closes when the log is exhausted or ctx ends.
func (c *Client) ReadEvents(ctx context.Context, aggregateID string, fromSequence int64) (<-chan switchyard.Event, error) {
	stream, err := c.coordinator.ReadEvents(ctx, &wire.ReadEventsRequest{
		AggregateID:  aggregateID,
		FromSequence: fromSequence,
	})
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return drain(ctx, stream.Recv), nil
}

// ReadFilter narrows a global log read.
type ReadFilter struct {
	FromGlobalID  int64
	AggregateType string
	EventType     string
	Limit         int64
}

// ReadAll streams the global event log in commit order.
func (c *Client) ReadAll(ctx context.Context, f ReadFilter) (<-chan switchyard.Event, error) {
	stream, err := c.coordinator.ReadAll(ctx, &wire.ReadAllRequest{
		FromGlobalID:  f.FromGlobalID,
		AggregateType: f.AggregateType,
		EventType:     f.EventType,
		Limit:         f.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return drain(ctx, stream.Recv), nil
}

func drain(ctx context.Context, recv func() (*wire.EventRecord, error)) <-chan switchyard.Event {
	out := make(chan switchyard.Event, 128)
	go func() {
		defer close(out)
		for {
			rec, err := recv()
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- switchyard.Event{
				GlobalID:       rec.GlobalID,
				AggregateID:    rec.AggregateID,
				AggregateType:  rec.AggregateType,
				SequenceNumber: rec.SequenceNumber,
				EventType:      rec.EventType,
				Payload:        rec.Payload,
				Metadata:       rec.Metadata,
				Timestamp:      rec.Timestamp,
				Version:        rec.Version,
			}:
			}
		}
	}()
	return out
}
