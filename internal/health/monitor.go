// Package health tracks instance liveness: it applies heartbeats to the
// registry, expires silent instances, and degrades instances whose
// health stream dropped without a reconnect.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"switchyard"
	"switchyard/internal/metrics"
)

// Monitor owns the liveness state machine. The unary heartbeat is the
// canonical liveness signal; the health stream is advisory and only
// influences state through stream-loss tracking.
type Monitor struct {
	store Store
	clock Clock
	log   *slog.Logger

	ttl          time.Duration
	scanInterval time.Duration

	mu         sync.Mutex
	lostStream map[string]struct{}
}

func NewMonitor(store Store, clock Clock, ttl, scanInterval time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{
		store:        store,
		clock:        clock,
		log:          log,
		ttl:          ttl,
		scanInterval: scanInterval,
		lostStream:   make(map[string]struct{}),
	}
}

// Heartbeat applies one liveness signal: lastHeartbeat moves to the
// server wall clock and the reported state replaces the stored one.
// A STOPPING report also pulls the instance out of the routing sets
// immediately. Unknown instances return switchyard.ErrNotFound.
func (m *Monitor) Heartbeat(ctx context.Context, id string, state switchyard.HealthState) error {
	inst, err := m.store.Instance(ctx, id)
	if err != nil {
		return err
	}

	prev := inst.State
	inst.State = state
	inst.LastHeartbeat = m.clock.Now()
	if err := m.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	// A heartbeat proves the instance is reachable again; forget any
	// pending stream loss.
	m.mu.Lock()
	delete(m.lostStream, id)
	m.mu.Unlock()

	if state == switchyard.StateStopping && prev != switchyard.StateStopping {
		if err := m.store.RemoveRoutes(ctx, id); err != nil {
			return fmt.Errorf("remove stopping instance from routing: %w", err)
		}
		m.log.Info("instance stopping", "instance", id)
	}
	if prev == switchyard.StateExpired && state.Routable() {
		m.log.Info("instance revived", "instance", id, "state", state.String())
	}
	return nil
}

// StreamOpened marks a health stream as live for an instance.
func (m *Monitor) StreamOpened(id string) {
	m.mu.Lock()
	delete(m.lostStream, id)
	m.mu.Unlock()
}

// StreamLost records that an instance's health stream dropped. If no
// reconnect or heartbeat arrives before the next scan, the instance is
// marked DEGRADED (still routable).
func (m *Monitor) StreamLost(id string) {
	m.mu.Lock()
	m.lostStream[id] = struct{}{}
	m.mu.Unlock()
}

// Run drives the periodic expiry scan until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Scan(ctx); err != nil {
				m.log.Warn("health scan failed", "error", err)
			}
		}
	}
}

// Scan performs one expiry sweep: instances silent for longer than the
// TTL become EXPIRED, and instances with a lost stream become DEGRADED.
// Exported for tests and for a forced scan on startup.
func (m *Monitor) Scan(ctx context.Context) error {
	instances, err := m.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	now := m.clock.Now()

	m.mu.Lock()
	lost := make(map[string]struct{}, len(m.lostStream))
	for id := range m.lostStream {
		lost[id] = struct{}{}
	}
	m.mu.Unlock()

	for _, inst := range instances {
		switch {
		case inst.State.Routable() && now.Sub(inst.LastHeartbeat) > m.ttl:
			// Re-check against the live record: a heartbeat may have
			// landed after the list was read, and it must win.
			expired, err := m.store.UpdateInstanceGuarded(ctx, inst.ID, func(cur switchyard.Instance) (switchyard.Instance, bool) {
				if !cur.State.Routable() || now.Sub(cur.LastHeartbeat) <= m.ttl {
					return cur, false
				}
				cur.State = switchyard.StateExpired
				return cur, true
			})
			if err != nil {
				return fmt.Errorf("expire instance %q: %w", inst.ID, err)
			}
			if !expired {
				continue
			}
			metrics.InstancesExpired.Inc()
			m.log.Warn("instance expired",
				"instance", inst.ID,
				"service", inst.ServiceName,
				"last_heartbeat", inst.LastHeartbeat)

		case inst.State == switchyard.StateHealthy && hasKey(lost, inst.ID):
			degraded, err := m.store.UpdateInstanceGuarded(ctx, inst.ID, func(cur switchyard.Instance) (switchyard.Instance, bool) {
				if cur.State != switchyard.StateHealthy || cur.LastHeartbeat.After(inst.LastHeartbeat) {
					return cur, false
				}
				cur.State = switchyard.StateDegraded
				return cur, true
			})
			if err != nil {
				return fmt.Errorf("degrade instance %q: %w", inst.ID, err)
			}
			if degraded {
				m.log.Warn("instance degraded after stream loss", "instance", inst.ID)
			}
		}
	}
	return nil
}

func hasKey(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}
