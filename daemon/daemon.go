// Package daemon assembles the coordinator from its parts and runs
// them until the context is cancelled.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"switchyard/config"
	"switchyard/internal/broker"
	"switchyard/internal/eventstore"
	"switchyard/internal/forward"
	"switchyard/internal/gateway"
	"switchyard/internal/health"
	"switchyard/internal/logging"
	"switchyard/internal/metrics"
	"switchyard/internal/publisher"
	"switchyard/internal/registry"
	"switchyard/internal/router"
	"switchyard/internal/server"
)

// Run wires the registry, health monitor, router, event store, outbox
// publisher, and RPC listeners together and blocks until ctx is
// cancelled or a component fails.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	clock := health.RealClock{}

	shutdownTracing := setupTracing(logging.Component("tracing"))
	defer func() { _ = shutdownTracing(context.Background()) }()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	reg := registry.New(rdb)

	monitor := health.NewMonitor(reg, clock,
		cfg.HealthTTL.D(), cfg.HealthScanInterval.D(),
		logging.Component("health"))

	rt := router.New(reg, clock, cfg.RegistryStaleness.D())

	store, err := eventstore.Open(
		filepath.Join(cfg.DataRoot, "events.db"),
		topicFunc(cfg),
		logging.Component("eventstore"),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	bk, err := newBroker(cfg)
	if err != nil {
		return err
	}
	defer bk.Close()

	pub := publisher.New(store, bk,
		cfg.PublisherMaxAttempts, cfg.PublisherBackoffCeil.D(),
		logging.Component("publisher"))

	pool := forward.NewPool(logging.Component("forward"))
	defer pool.Close()

	srv := server.New(cfg, reg, monitor, rt, store, pool, clock,
		logging.Component("server"))

	skew := health.NewSkewChecker(clock)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return pub.Run(ctx) })
	g.Go(func() error {
		skew.Run(ctx)
		return nil
	})
	if cfg.GatewayAddr != "" {
		gw := gateway.New(rt, logging.Component("gateway"))
		g.Go(func() error { return gw.ListenAndServe(ctx, cfg.GatewayAddr) })
	}
	if cfg.AdminAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.AdminAddr, adminStatus(cfg, skew)) })
	}

	slog.Info("coordinator started",
		"listen", cfg.ListenAddr,
		"gateway", cfg.GatewayAddr,
		"admin", cfg.AdminAddr,
		"broker", cfg.Broker)
	return g.Wait()
}

// adminStatus builds the /statusz payload: daemon configuration
// highlights and the latest clock skew observation.
func adminStatus(cfg config.Config, skew *health.SkewChecker) metrics.StatusFunc {
	return func() any {
		st := skew.Status()
		out := map[string]any{
			"listen_addr":        cfg.ListenAddr,
			"broker":             cfg.Broker,
			"topic_strategy":     cfg.BrokerTopicStrategy,
			"snapshot_frequency": cfg.SnapshotFrequency,
			"clock_skew_phase":   st.Phase.String(),
			"clock_offset":       st.Offset.String(),
		}
		if st.Error != "" {
			out["clock_skew_error"] = st.Error
		}
		if !st.CheckedAt.IsZero() {
			out["clock_checked_at"] = st.CheckedAt
		}
		return out
	}
}

// topicFunc maps an event type to its broker topic per the configured
// strategy.
func topicFunc(cfg config.Config) eventstore.TopicFunc {
	if cfg.BrokerTopicStrategy == config.TopicSingle {
		return func(string) string { return cfg.SingleTopic }
	}
	return func(eventType string) string { return eventType }
}

func newBroker(cfg config.Config) (broker.Broker, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		return broker.NewKafka(cfg.KafkaSeeds)
	case config.BrokerMemory:
		return broker.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker)
	}
}
