// Package metrics holds the daemon's prometheus collectors and the
// admin HTTP listener that serves them.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_events_appended_total",
		Help: "Committed event appends by aggregate type.",
	}, []string{"aggregate_type"})

	AppendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_append_conflicts_total",
		Help: "Appends rejected by optimistic concurrency.",
	})

	RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_routing_decisions_total",
		Help: "Routing outcomes by kind and result.",
	}, []string{"kind", "outcome"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchyard_outbox_published_total",
		Help: "Outbox entries acknowledged by the broker, by topic.",
	}, []string{"topic"})

	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_outbox_retries_total",
		Help: "Failed publish attempts that will be retried.",
	})

	OutboxDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_outbox_dead_lettered_total",
		Help: "Outbox entries moved to the dead-letter table.",
	})

	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "switchyard_outbox_backlog",
		Help: "PENDING outbox entries observed by the last publisher pass.",
	})

	InstancesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_instances_expired_total",
		Help: "Instances expired by the health scan.",
	})

	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "switchyard_heartbeats_received_total",
		Help: "Heartbeats applied, unary and streamed.",
	})
)

// StatusFunc supplies the /statusz payload.
type StatusFunc func() any

// Serve runs the admin listener (metrics + liveness + status) until
// ctx ends.
func Serve(ctx context.Context, addr string, status StatusFunc) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if status != nil {
		mux.HandleFunc("/statusz", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(status())
		})
	}

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
