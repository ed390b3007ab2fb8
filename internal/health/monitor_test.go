package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"switchyard"
	"switchyard/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(rdb)
	clock := &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	mon := NewMonitor(reg, clock, 90*time.Second, 5*time.Second, slog.Default())
	return mon, reg, clock
}

func register(t *testing.T, reg *registry.Registry, clock Clock, id string) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.Registration{
		Instance: switchyard.Instance{
			ID:            id,
			ServiceName:   "orders",
			Host:          "10.0.0.1",
			Port:          9000,
			State:         switchyard.StateHealthy,
			LastHeartbeat: clock.Now(),
		},
		Commands: []string{"CreateOrder"},
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestHeartbeatUpdatesServerClock(t *testing.T) {
	mon, reg, clock := newTestMonitor(t)
	ctx := context.Background()
	register(t, reg, clock, "inst-a")

	clock.Advance(42 * time.Second)
	if err := mon.Heartbeat(ctx, "inst-a", switchyard.StateHealthy); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	inst, err := reg.Instance(ctx, "inst-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !inst.LastHeartbeat.Equal(clock.Now()) {
		t.Errorf("lastHeartbeat = %v, want server clock %v", inst.LastHeartbeat, clock.Now())
	}
}

func TestHeartbeatUnknownInstance(t *testing.T) {
	mon, _, _ := newTestMonitor(t)

	err := mon.Heartbeat(context.Background(), "ghost", switchyard.StateHealthy)
	if !errors.Is(err, switchyard.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanExpiresSilentInstances(t *testing.T) {
	mon, reg, clock := newTestMonitor(t)
	ctx := context.Background()
	register(t, reg, clock, "inst-a")
	register(t, reg, clock, "inst-b")

	// inst-b stays fresh, inst-a goes silent past the TTL.
	clock.Advance(60 * time.Second)
	if err := mon.Heartbeat(ctx, "inst-b", switchyard.StateHealthy); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.Advance(31 * time.Second)

	if err := mon.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	a, _ := reg.Instance(ctx, "inst-a")
	if a.State != switchyard.StateExpired {
		t.Errorf("inst-a state = %s, want EXPIRED", a.State)
	}
	b, _ := reg.Instance(ctx, "inst-b")
	if b.State != switchyard.StateHealthy {
		t.Errorf("inst-b state = %s, want HEALTHY", b.State)
	}

	// Expired instances drop out of routable discovery.
	routable, err := reg.ListInstancesForType(ctx, switchyard.KindCommand, "CreateOrder", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(routable) != 1 || routable[0].ID != "inst-b" {
		t.Errorf("routable = %+v, want only inst-b", routable)
	}
}

// staleListStore serves a previously captured instance list while
// delegating everything else to the real registry, so a test can
// interleave a heartbeat between the scan's list read and its writes.
type staleListStore struct {
	Store
	stale []switchyard.Instance
}

func (s *staleListStore) ListInstances(context.Context) ([]switchyard.Instance, error) {
	return s.stale, nil
}

func TestScanDoesNotOverwriteFreshHeartbeat(t *testing.T) {
	mon, reg, clock := newTestMonitor(t)
	ctx := context.Background()
	register(t, reg, clock, "inst-a")

	clock.Advance(91 * time.Second)
	stale, err := reg.ListInstances(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	// The heartbeat lands after the scan already captured its list.
	if err := mon.Heartbeat(ctx, "inst-a", switchyard.StateHealthy); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	mon.store = &staleListStore{Store: reg, stale: stale}
	if err := mon.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	inst, _ := reg.Instance(ctx, "inst-a")
	if inst.State != switchyard.StateHealthy {
		t.Fatalf("state = %s, want HEALTHY after late heartbeat", inst.State)
	}
	if !inst.LastHeartbeat.Equal(clock.Now()) {
		t.Errorf("lastHeartbeat = %v, want %v", inst.LastHeartbeat, clock.Now())
	}
}

func TestExpiredInstanceRevivesOnReregistration(t *testing.T) {
	mon, reg, clock := newTestMonitor(t)
	ctx := context.Background()
	register(t, reg, clock, "inst-a")

	clock.Advance(91 * time.Second)
	if err := mon.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	a, _ := reg.Instance(ctx, "inst-a")
	if a.State != switchyard.StateExpired {
		t.Fatalf("precondition: state = %s, want EXPIRED", a.State)
	}

	register(t, reg, clock, "inst-a")
	a, _ = reg.Instance(ctx, "inst-a")
	if a.State != switchyard.StateHealthy {
		t.Errorf("re-registered state = %s, want HEALTHY", a.State)
	}
}

func TestStoppingLeavesRoutingImmediately(t *testing.T) {
	mon, reg, clock := newTestMonitor(t)
	ctx := context.Background()
	register(t, reg, clock, "inst-a")

	if err := mon.Heartbeat(ctx, "inst-a", switchyard.StateStopping); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	routable, err := reg.ListInstancesForType(ctx, switchyard.KindCommand, "CreateOrder", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(routable) != 0 {
		t.Errorf("stopping instance still in routing set: %+v", routable)
	}
	// Record lingers for observability.
	inst, err := reg.Instance(ctx, "inst-a")
	if err != nil {
		t.Fatalf("record gone: %v", err)
	}
	if inst.State != switchyard.StateStopping {
		t.Errorf("state = %s, want STOPPING", inst.State)
	}
}

func TestStreamLossDegradesAtNextScan(t *testing.T) {
	mon, reg, clock := newTestMonitor(t)
	ctx := context.Background()
	register(t, reg, clock, "inst-a")

	mon.StreamOpened("inst-a")
	mon.StreamLost("inst-a")
	if err := mon.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}

	inst, _ := reg.Instance(ctx, "inst-a")
	if inst.State != switchyard.StateDegraded {
		t.Fatalf("state = %s, want DEGRADED", inst.State)
	}
	if !inst.State.Routable() {
		t.Errorf("degraded instance must stay routable")
	}

	// A heartbeat clears the degradation on the instance's next report.
	if err := mon.Heartbeat(ctx, "inst-a", switchyard.StateHealthy); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := mon.Scan(ctx); err != nil {
		t.Fatalf("scan: %v", err)
	}
	inst, _ = reg.Instance(ctx, "inst-a")
	if inst.State != switchyard.StateHealthy {
		t.Errorf("state = %s, want HEALTHY after recovery", inst.State)
	}
}

func TestSkewCheckerPhases(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := NewSkewChecker(clock)
	c.CheckFunc = func() SkewStatus {
		return SkewStatus{Offset: 20 * time.Millisecond, Phase: SkewHealthy, CheckedAt: clock.Now()}
	}
	c.check()
	if got := c.Status().Phase; got != SkewHealthy {
		t.Fatalf("phase = %s, want healthy", got)
	}
}
