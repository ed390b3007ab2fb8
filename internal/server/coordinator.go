package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"switchyard"
	"switchyard/api/wire"
	"switchyard/internal/metrics"
	"switchyard/internal/registry"
)

var tracer = otel.Tracer("switchyard/server")

func (s *Server) RegisterHandlers(ctx context.Context, req *wire.RegisterHandlersRequest) (*wire.RegistrationSummary, error) {
	inst := switchyard.Instance{
		ID:            req.InstanceID,
		ServiceName:   req.ServiceName,
		Host:          req.Host,
		Port:          req.Port,
		State:         switchyard.StateHealthy,
		LastHeartbeat: s.clock.Now(),
		Metadata:      req.Metadata,
	}
	// Schema declarations ride along as instance metadata so discovery
	// can surface them without a dedicated table.
	if len(req.SchemaMap) > 0 {
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]string, len(req.SchemaMap))
		}
		for typeName, schema := range req.SchemaMap {
			inst.Metadata["schema:"+typeName] = schema
		}
	}

	sum, err := s.registry.Register(ctx, registry.Registration{
		Instance: inst,
		Commands: req.CommandTypes,
		Queries:  req.QueryTypes,
		Events:   req.EventTypes,
	})
	if err != nil {
		return &wire.RegistrationSummary{
			Success:   false,
			Message:   err.Error(),
			ErrorCode: string(switchyard.CodeOf(err)),
		}, nil
	}

	s.log.Info("handlers registered",
		"instance", req.InstanceID,
		"service", req.ServiceName,
		"commands", sum.Commands,
		"queries", sum.Queries,
		"events", sum.Events,
		"replaced", sum.BindingsRemoved)
	return &wire.RegistrationSummary{
		Success:            true,
		ErrorCode:          string(switchyard.CodeOK),
		CommandsRegistered: sum.Commands,
		QueriesRegistered:  sum.Queries,
		EventsRegistered:   sum.Events,
		BindingsRemoved:    sum.BindingsRemoved,
	}, nil
}

func (s *Server) UnregisterHandlers(ctx context.Context, req *wire.UnregisterHandlersRequest) (*wire.UnregistrationSummary, error) {
	sum, err := s.registry.Unregister(ctx, req.InstanceID, switchyard.HandlerSets{
		Commands: req.CommandTypes,
		Queries:  req.QueryTypes,
		Events:   req.EventTypes,
	})
	if err != nil {
		return &wire.UnregistrationSummary{
			Success:   false,
			Message:   err.Error(),
			ErrorCode: string(switchyard.CodeOf(err)),
		}, nil
	}
	return &wire.UnregistrationSummary{
		Success:         true,
		ErrorCode:       string(switchyard.CodeOK),
		BindingsRemoved: sum.BindingsRemoved,
		InstanceRemoved: sum.InstanceRemoved,
	}, nil
}

func (s *Server) SendHeartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*wire.Ack, error) {
	state, err := heartbeatState(req.State)
	if err != nil {
		return ackErr(err), nil
	}
	if err := s.monitor.Heartbeat(ctx, req.InstanceID, state); err != nil {
		return ackErr(err), nil
	}
	metrics.HeartbeatsReceived.Inc()
	return ackOK(), nil
}

func (s *Server) DiscoverHandlers(ctx context.Context, req *wire.DiscoverHandlersRequest) (*wire.DiscoverHandlersResponse, error) {
	kind, ok := switchyard.ParseHandlerKind(req.Kind)
	if !ok {
		err := switchyard.Invalid("kind", "must be COMMAND, QUERY, or EVENT")
		return &wire.DiscoverHandlersResponse{ErrorCode: string(switchyard.CodeOf(err))}, nil
	}
	if req.TypeName == "" {
		err := switchyard.Invalid("type_name", "must not be empty")
		return &wire.DiscoverHandlersResponse{ErrorCode: string(switchyard.CodeOf(err))}, nil
	}

	all, err := s.registry.ListInstancesForType(ctx, kind, req.TypeName, false)
	if err != nil {
		return &wire.DiscoverHandlersResponse{ErrorCode: string(switchyard.CodeOf(err))}, nil
	}

	resp := &wire.DiscoverHandlersResponse{
		ErrorCode:  string(switchyard.CodeOK),
		Instances:  make([]wire.InstanceInfo, 0, len(all)),
		TotalCount: len(all),
	}
	for _, inst := range all {
		if inst.State.Routable() {
			resp.HealthyCount++
		}
		if req.OnlyHealthy && !inst.State.Routable() {
			continue
		}
		resp.Instances = append(resp.Instances, wire.InstanceInfo{
			InstanceID: inst.ID,
			Host:       inst.Host,
			Port:       inst.Port,
			State:      inst.State.String(),
		})
	}
	return resp, nil
}

func (s *Server) SubmitCommand(ctx context.Context, req *wire.SubmitCommandRequest) (*wire.SubmitCommandResponse, error) {
	if req.CommandType == "" {
		err := switchyard.Invalid("command_type", "must not be empty")
		return commandFailure(err), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RouteDeadline.D())
	defer cancel()

	ctx, span := tracer.Start(ctx, "coordinator.route", trace.WithAttributes(
		attribute.String("command.type", req.CommandType),
		attribute.String("aggregate.id", req.AggregateID)))
	defer span.End()

	inst, err := s.router.Route(ctx, switchyard.KindCommand, req.CommandType, req.AggregateID)
	if err != nil {
		metrics.RoutingDecisions.WithLabelValues("COMMAND", "miss").Inc()
		return commandFailure(err), nil
	}
	metrics.RoutingDecisions.WithLabelValues("COMMAND", "hit").Inc()

	res, err := s.pool.ExecuteCommand(ctx, inst, &wire.CommandEnvelope{
		CommandID:     req.CommandID,
		CommandType:   req.CommandType,
		AggregateID:   req.AggregateID,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		// The instance may be gone; force the next route to see a
		// fresh registry read.
		s.router.Invalidate(switchyard.KindCommand, req.CommandType)
		s.pool.Invalidate(inst)
		return commandFailure(err), nil
	}
	return &wire.SubmitCommandResponse{
		Success:   res.Success,
		Result:    res.Result,
		ErrorCode: orOK(res.ErrorCode),
		Message:   res.Message,
		HandledBy: inst.ID,
	}, nil
}

func (s *Server) SubmitQuery(ctx context.Context, req *wire.SubmitQueryRequest) (*wire.SubmitQueryResponse, error) {
	if req.QueryType == "" {
		err := switchyard.Invalid("query_type", "must not be empty")
		return queryFailure(err), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RouteDeadline.D())
	defer cancel()

	inst, err := s.router.Route(ctx, switchyard.KindQuery, req.QueryType, "")
	if err != nil {
		metrics.RoutingDecisions.WithLabelValues("QUERY", "miss").Inc()
		return queryFailure(err), nil
	}
	metrics.RoutingDecisions.WithLabelValues("QUERY", "hit").Inc()

	res, err := s.pool.ExecuteQuery(ctx, inst, &wire.QueryEnvelope{
		QueryID:              req.QueryID,
		QueryType:            req.QueryType,
		Payload:              req.Payload,
		ExpectedResponseType: req.ExpectedResponseType,
		CorrelationID:        req.CorrelationID,
	})
	if err != nil {
		s.router.Invalidate(switchyard.KindQuery, req.QueryType)
		s.pool.Invalidate(inst)
		return queryFailure(err), nil
	}
	return &wire.SubmitQueryResponse{
		Success:   res.Success,
		Payload:   res.Payload,
		ErrorCode: orOK(res.ErrorCode),
		Message:   res.Message,
		HandledBy: inst.ID,
	}, nil
}

func (s *Server) SubmitEvent(ctx context.Context, req *wire.SubmitEventRequest) (*wire.SubmitEventResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AppendDeadline.D())
	defer cancel()

	ctx, span := tracer.Start(ctx, "coordinator.append", trace.WithAttributes(
		attribute.String("event.type", req.EventType),
		attribute.String("aggregate.id", req.AggregateID)))
	defer span.End()

	ev, err := s.store.Append(ctx, switchyard.Event{
		AggregateID:    req.AggregateID,
		AggregateType:  req.AggregateType,
		SequenceNumber: req.ExpectedSequence,
		EventType:      req.EventType,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
	})
	if err != nil {
		code := switchyard.CodeOf(err)
		if code == switchyard.CodeConcurrency {
			metrics.AppendConflicts.Inc()
		}
		return &wire.SubmitEventResponse{
			Success:   false,
			ErrorCode: string(code),
			Message:   err.Error(),
		}, nil
	}
	metrics.EventsAppended.WithLabelValues(ev.AggregateType).Inc()
	return &wire.SubmitEventResponse{
		Success:        true,
		ErrorCode:      string(switchyard.CodeOK),
		GlobalID:       ev.GlobalID,
		SequenceNumber: ev.SequenceNumber,
	}, nil
}

func (s *Server) SaveSnapshot(ctx context.Context, req *wire.SaveSnapshotRequest) (*wire.Ack, error) {
	err := s.store.SaveSnapshot(ctx, switchyard.Snapshot{
		AggregateID:    req.AggregateID,
		AggregateType:  req.AggregateType,
		SequenceNumber: req.SequenceNumber,
		Payload:        req.Payload,
	})
	if err != nil {
		return ackErr(err), nil
	}
	return ackOK(), nil
}

func (s *Server) LatestSnapshot(ctx context.Context, req *wire.SnapshotRequest) (*wire.SnapshotResponse, error) {
	snap, err := s.store.LatestSnapshot(ctx, req.AggregateID)
	if err != nil {
		// Absence is a normal outcome, not a failure.
		if switchyard.CodeOf(err) == switchyard.CodeNotFound {
			return &wire.SnapshotResponse{Found: false, ErrorCode: string(switchyard.CodeOK)}, nil
		}
		return &wire.SnapshotResponse{Found: false, ErrorCode: string(switchyard.CodeOf(err))}, nil
	}
	return &wire.SnapshotResponse{
		Found:          true,
		ErrorCode:      string(switchyard.CodeOK),
		AggregateID:    snap.AggregateID,
		AggregateType:  snap.AggregateType,
		SequenceNumber: snap.SequenceNumber,
		Payload:        snap.Payload,
		Timestamp:      snap.Timestamp,
	}, nil
}

func commandFailure(err error) *wire.SubmitCommandResponse {
	return &wire.SubmitCommandResponse{
		Success:   false,
		ErrorCode: string(switchyard.CodeOf(err)),
		Message:   err.Error(),
	}
}

func queryFailure(err error) *wire.SubmitQueryResponse {
	return &wire.SubmitQueryResponse{
		Success:   false,
		ErrorCode: string(switchyard.CodeOf(err)),
		Message:   err.Error(),
	}
}

func heartbeatState(s string) (switchyard.HealthState, error) {
	if s == "" {
		return switchyard.StateHealthy, nil
	}
	state, ok := switchyard.ParseHealthState(s)
	if !ok {
		return 0, switchyard.Invalid("state", "unknown health state "+s)
	}
	return state, nil
}

func orOK(code string) string {
	if code == "" {
		return string(switchyard.CodeOK)
	}
	return code
}

// readChunk bounds one page of a streaming read.
const readChunk = 500
