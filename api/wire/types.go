package wire

import "time"

// Wire spellings of switchyard.HandlerKind.
const (
	KindCommand = "COMMAND"
	KindQuery   = "QUERY"
	KindEvent   = "EVENT"
)

// RegisterHandlersRequest declares the handler types an instance serves.
// Re-registration replaces the prior sets atomically.
type RegisterHandlersRequest struct {
	InstanceID    string            `json:"instance_id"`
	ServiceName   string            `json:"service_name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	CommandTypes  []string          `json:"command_types,omitempty"`
	QueryTypes    []string          `json:"query_types,omitempty"`
	EventTypes    []string          `json:"event_types,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	SchemaMap     map[string]string `json:"schema_map,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// RegistrationSummary reports binding counts for a registration.
type RegistrationSummary struct {
	Success            bool   `json:"success"`
	Message            string `json:"message,omitempty"`
	ErrorCode          string `json:"error_code,omitempty"`
	CommandsRegistered int    `json:"commands_registered"`
	QueriesRegistered  int    `json:"queries_registered"`
	EventsRegistered   int    `json:"events_registered"`
	BindingsRemoved    int    `json:"bindings_removed"`
}

// UnregisterHandlersRequest removes bindings. With all three sets empty the
// instance is removed entirely.
type UnregisterHandlersRequest struct {
	InstanceID   string   `json:"instance_id"`
	CommandTypes []string `json:"command_types,omitempty"`
	QueryTypes   []string `json:"query_types,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
}

// UnregistrationSummary reports the effect of an unregistration.
type UnregistrationSummary struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`
	BindingsRemoved int    `json:"bindings_removed"`
	InstanceRemoved bool   `json:"instance_removed"`
}

// HeartbeatRequest is a liveness signal. Used by both the unary
// SendHeartbeat (canonical) and the StreamHealth stream (advisory).
type HeartbeatRequest struct {
	InstanceID      string            `json:"instance_id"`
	ServiceName     string            `json:"service_name,omitempty"`
	State           string            `json:"state"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ClientTimestamp time.Time         `json:"client_timestamp"`
}

// Ack is the generic acknowledgement.
type Ack struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DiscoverHandlersRequest asks which instances serve a type.
type DiscoverHandlersRequest struct {
	Kind        string `json:"kind"`
	TypeName    string `json:"type_name"`
	OnlyHealthy bool   `json:"only_healthy"`
}

// InstanceInfo is one discovered instance.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	State      string `json:"state"`
}

// DiscoverHandlersResponse lists instances for a type.
type DiscoverHandlersResponse struct {
	ErrorCode    string         `json:"error_code,omitempty"`
	Instances    []InstanceInfo `json:"instances"`
	TotalCount   int            `json:"total_count"`
	HealthyCount int            `json:"healthy_count"`
}

// SubmitCommandRequest routes and forwards one command.
type SubmitCommandRequest struct {
	CommandID     string `json:"command_id"`
	AggregateID   string `json:"aggregate_id"`
	CommandType   string `json:"command_type"`
	Payload       []byte `json:"payload"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// SubmitCommandResponse propagates the forwarded result.
type SubmitCommandResponse struct {
	Success   bool   `json:"success"`
	Result    []byte `json:"result,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	HandledBy string `json:"handled_by,omitempty"`
}

// SubmitQueryRequest routes and forwards one query.
type SubmitQueryRequest struct {
	QueryID              string `json:"query_id"`
	QueryType            string `json:"query_type"`
	Payload              []byte `json:"payload"`
	ExpectedResponseType string `json:"expected_response_type,omitempty"`
	CorrelationID        string `json:"correlation_id,omitempty"`
}

// SubmitQueryResponse propagates the forwarded response bytes.
type SubmitQueryResponse struct {
	Success   bool   `json:"success"`
	Payload   []byte `json:"payload,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	HandledBy string `json:"handled_by,omitempty"`
}

// SubmitEventRequest appends one domain event at an expected sequence.
type SubmitEventRequest struct {
	EventType        string            `json:"event_type"`
	AggregateID      string            `json:"aggregate_id"`
	AggregateType    string            `json:"aggregate_type"`
	ExpectedSequence int64             `json:"expected_sequence"`
	Payload          []byte            `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// SubmitEventResponse reports the committed position.
type SubmitEventResponse struct {
	Success        bool   `json:"success"`
	ErrorCode      string `json:"error_code,omitempty"`
	Message        string `json:"message,omitempty"`
	GlobalID       int64  `json:"global_id"`
	SequenceNumber int64  `json:"sequence_number"`
}

// ReadEventsRequest streams one aggregate's events from a sequence number.
type ReadEventsRequest struct {
	AggregateID  string `json:"aggregate_id"`
	FromSequence int64  `json:"from_sequence"`
}

// ReadAllRequest streams the global log in globalId order, optionally
// filtered. A zero Limit means no limit (open-ended rebuild reads pass a
// high-water mark instead).
type ReadAllRequest struct {
	FromGlobalID  int64     `json:"from_global_id"`
	AggregateType string    `json:"aggregate_type,omitempty"`
	EventType     string    `json:"event_type,omitempty"`
	Since         time.Time `json:"since,omitempty"`
	Until         time.Time `json:"until,omitempty"`
	Limit         int64     `json:"limit,omitempty"`
}

// EventRecord is one event on the wire.
type EventRecord struct {
	GlobalID       int64             `json:"global_id"`
	AggregateID    string            `json:"aggregate_id"`
	AggregateType  string            `json:"aggregate_type"`
	SequenceNumber int64             `json:"sequence_number"`
	EventType      string            `json:"event_type"`
	Payload        []byte            `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Version        int64             `json:"version"`
}

// SaveSnapshotRequest replaces the aggregate's snapshot.
type SaveSnapshotRequest struct {
	AggregateID    string `json:"aggregate_id"`
	AggregateType  string `json:"aggregate_type"`
	SequenceNumber int64  `json:"sequence_number"`
	Payload        []byte `json:"payload"`
}

// SnapshotRequest fetches the latest snapshot for an aggregate.
type SnapshotRequest struct {
	AggregateID string `json:"aggregate_id"`
}

// SnapshotResponse carries the latest snapshot; Found is false when the
// aggregate has none.
type SnapshotResponse struct {
	Found          bool      `json:"found"`
	ErrorCode      string    `json:"error_code,omitempty"`
	AggregateID    string    `json:"aggregate_id,omitempty"`
	AggregateType  string    `json:"aggregate_type,omitempty"`
	SequenceNumber int64     `json:"sequence_number,omitempty"`
	Payload        []byte    `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// CommandEnvelope is the coordinator→instance forwarding of a command.
type CommandEnvelope struct {
	CommandID     string `json:"command_id"`
	CommandType   string `json:"command_type"`
	AggregateID   string `json:"aggregate_id"`
	Payload       []byte `json:"payload"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// CommandResult is the instance's reply to a forwarded command.
type CommandResult struct {
	Success   bool   `json:"success"`
	Result    []byte `json:"result,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// QueryEnvelope is the coordinator→instance forwarding of a query.
type QueryEnvelope struct {
	QueryID              string `json:"query_id"`
	QueryType            string `json:"query_type"`
	Payload              []byte `json:"payload"`
	ExpectedResponseType string `json:"expected_response_type,omitempty"`
	CorrelationID        string `json:"correlation_id,omitempty"`
}

// QueryResult is the instance's reply to a forwarded query.
type QueryResult struct {
	Success   bool   `json:"success"`
	Payload   []byte `json:"payload,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}
