package server

import (
	"errors"
	"io"
	"time"

	"switchyard"
	"switchyard/api/wire"
	"switchyard/internal/eventstore"
	"switchyard/internal/metrics"
)

// StreamHealth is the advisory bidirectional heartbeat stream. Each
// received heartbeat is applied exactly like a unary one and answered
// with an Ack. The server terminates streams idle for longer than
// 3 heartbeat intervals; a terminated or broken stream marks the
// instance for degradation unless it reconnects or heartbeats first.
func (s *Server) StreamHealth(stream wire.Coordinator_StreamHealthServer) error {
	idle := s.cfg.StreamIdleTimeout()
	ctx := stream.Context()

	var instanceID string
	defer func() {
		if instanceID != "" {
			s.monitor.StreamLost(instanceID)
		}
	}()

	type recvResult struct {
		req *wire.HeartbeatRequest
		err error
	}
	recvc := make(chan recvResult)
	go func() {
		for {
			req, err := stream.Recv()
			select {
			case recvc <- recvResult{req: req, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.log.Info("health stream idle, terminating", "instance", instanceID)
			return nil
		case r := <-recvc:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					// Clean shutdown of the stream is not a loss signal.
					if instanceID != "" {
						s.monitor.StreamOpened(instanceID)
						instanceID = ""
					}
					return nil
				}
				return r.err
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			if instanceID == "" && r.req.InstanceID != "" {
				instanceID = r.req.InstanceID
				s.monitor.StreamOpened(instanceID)
			}

			ack := ackOK()
			state, err := heartbeatState(r.req.State)
			if err == nil {
				err = s.monitor.Heartbeat(ctx, r.req.InstanceID, state)
			}
			if err != nil {
				ack = ackErr(err)
			} else {
				metrics.HeartbeatsReceived.Inc()
			}
			if err := stream.Send(ack); err != nil {
				return err
			}
		}
	}
}

// ReadEvents streams one aggregate's events from a sequence number, in
// ascending sequence order, paging through the store.
func (s *Server) ReadEvents(req *wire.ReadEventsRequest, stream wire.Coordinator_ReadEventsServer) error {
	if req.AggregateID == "" {
		return toGRPCError(switchyard.Invalid("aggregate_id", "must not be empty"))
	}

	from := req.FromSequence
	if from < 1 {
		from = 1
	}
	for {
		events, err := s.store.ReadEvents(stream.Context(), req.AggregateID, from, readChunk)
		if err != nil {
			return toGRPCError(err)
		}
		for _, ev := range events {
			if err := stream.Send(eventRecord(ev)); err != nil {
				return err
			}
		}
		if len(events) < readChunk {
			return nil
		}
		from = events[len(events)-1].SequenceNumber + 1
	}
}

// ReadAll streams the global log in globalId order with the request's
// filters. A positive limit makes the stream finite.
func (s *Server) ReadAll(req *wire.ReadAllRequest, stream wire.Coordinator_ReadAllServer) error {
	remaining := req.Limit
	from := req.FromGlobalID
	for {
		chunk := int64(readChunk)
		if remaining > 0 && remaining < chunk {
			chunk = remaining
		}
		events, err := s.store.ReadAll(stream.Context(), eventstore.Query{
			FromGlobalID:  from,
			AggregateType: req.AggregateType,
			EventType:     req.EventType,
			Since:         req.Since,
			Until:         req.Until,
			Limit:         chunk,
		})
		if err != nil {
			return toGRPCError(err)
		}
		for _, ev := range events {
			if err := stream.Send(eventRecord(ev)); err != nil {
				return err
			}
		}
		if remaining > 0 {
			remaining -= int64(len(events))
			if remaining <= 0 {
				return nil
			}
		}
		if int64(len(events)) < chunk {
			return nil
		}
		from = events[len(events)-1].GlobalID + 1
	}
}

func eventRecord(ev switchyard.Event) *wire.EventRecord {
	return &wire.EventRecord{
		GlobalID:       ev.GlobalID,
		AggregateID:    ev.AggregateID,
		AggregateType:  ev.AggregateType,
		SequenceNumber: ev.SequenceNumber,
		EventType:      ev.EventType,
		Payload:        ev.Payload,
		Metadata:       ev.Metadata,
		Timestamp:      ev.Timestamp,
		Version:        ev.Version,
	}
}
