// Package switchyard holds the domain model shared by the coordination
// server and its SDK: service instances, handler bindings, the event log
// entities, and the error taxonomy every RPC returns.
package switchyard

import "time"

// HandlerKind discriminates the three handler tables an instance can
// register into.
type HandlerKind uint8

const (
	KindCommand HandlerKind = iota + 1
	KindQuery
	KindEvent
)

func (k HandlerKind) String() string {
	switch k {
	case KindCommand:
		return "COMMAND"
	case KindQuery:
		return "QUERY"
	case KindEvent:
		return "EVENT"
	default:
		return "unknown"
	}
}

// ParseHandlerKind maps the wire spelling back to a HandlerKind.
// The bool is false for unknown spellings.
func ParseHandlerKind(s string) (HandlerKind, bool) {
	switch s {
	case "COMMAND":
		return KindCommand, true
	case "QUERY":
		return KindQuery, true
	case "EVENT":
		return KindEvent, true
	default:
		return 0, false
	}
}

// HealthState is the lifecycle state of a registered instance.
type HealthState uint8

const (
	StateHealthy HealthState = iota + 1
	StateDegraded
	StateStopping
	StateExpired
)

func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateStopping:
		return "STOPPING"
	case StateExpired:
		return "EXPIRED"
	default:
		return "unknown"
	}
}

// ParseHealthState maps the wire spelling back to a HealthState.
func ParseHealthState(s string) (HealthState, bool) {
	switch s {
	case "HEALTHY":
		return StateHealthy, true
	case "DEGRADED":
		return StateDegraded, true
	case "STOPPING":
		return StateStopping, true
	case "EXPIRED":
		return StateExpired, true
	default:
		return 0, false
	}
}

// Routable reports whether an instance in this state may receive routed
// requests. DEGRADED instances stay routable: the state signals a lost
// health stream, not a failed instance.
func (s HealthState) Routable() bool {
	return s == StateHealthy || s == StateDegraded
}

// Instance is a running process of a service, identified by an opaque
// instanceId unique per process lifetime. Each instance owns and writes
// its own registry record.
type Instance struct {
	ID            string
	ServiceName   string
	Host          string
	Port          int
	State         HealthState
	LastHeartbeat time.Time
	Version       string
	Region        string
	Metadata      map[string]string
}

// HandlerBinding ties one instance to one handler type.
// (InstanceID, Kind, TypeName) is unique.
type HandlerBinding struct {
	InstanceID string
	Kind       HandlerKind
	TypeName   string
}

// HandlerSets are the three type-name sets an instance registers.
type HandlerSets struct {
	Commands []string
	Queries  []string
	Events   []string
}

// Event is an immutable fact in the per-aggregate log. Created exclusively
// by event store appends; (AggregateID, SequenceNumber) is unique and
// sequences are contiguous from 1.
type Event struct {
	GlobalID       int64
	AggregateID    string
	AggregateType  string
	SequenceNumber int64
	EventType      string
	Payload        []byte
	Metadata       map[string]string
	Timestamp      time.Time
	Version        int64
}

// Snapshot is a state representation at a specific sequence number, used to
// bound replay cost. At most one snapshot exists per aggregate.
type Snapshot struct {
	AggregateID    string
	AggregateType  string
	SequenceNumber int64
	Payload        []byte
	Timestamp      time.Time
}

// OutboxStatus tracks broker delivery of a committed event.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxEntry couples an event commit to broker delivery. Exactly one entry
// exists per committed event; until PUBLISHED it is retriable.
type OutboxEntry struct {
	GlobalID     int64
	Topic        string
	PartitionKey string
	Status       OutboxStatus
	Attempts     int
	LastError    string
}

// MetadataCorrelationID is the event metadata key carrying the request
// correlation identifier. It flows explicitly across RPC boundaries,
// never as ambient state.
const MetadataCorrelationID = "correlation_id"
