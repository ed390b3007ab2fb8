package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"switchyard"
)

type fakeStore struct {
	mu        sync.Mutex
	instances []switchyard.Instance
	err       error
	reads     int
}

func (s *fakeStore) ListInstancesForType(_ context.Context, _ switchyard.HandlerKind, _ string, _ bool) ([]switchyard.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	return s.instances, nil
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func instances(ids ...string) []switchyard.Instance {
	out := make([]switchyard.Instance, len(ids))
	for i, id := range ids {
		out[i] = switchyard.Instance{ID: id, State: switchyard.StateHealthy}
	}
	return out
}

func TestAffinityIsDeterministic(t *testing.T) {
	store := &fakeStore{instances: instances("inst-a", "inst-b", "inst-c")}
	r := New(store, &stubClock{now: time.Now()}, 2*time.Second)
	ctx := context.Background()

	for agg := 0; agg < 50; agg++ {
		id := fmt.Sprintf("order-%d", agg)
		first, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", id)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		for i := 0; i < 5; i++ {
			again, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", id)
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if again.ID != first.ID {
				t.Fatalf("aggregate %q routed to %s then %s", id, first.ID, again.ID)
			}
		}
	}
}

func TestAffinitySpreadsAcrossInstances(t *testing.T) {
	store := &fakeStore{instances: instances("inst-a", "inst-b", "inst-c")}
	r := New(store, &stubClock{now: time.Now()}, 2*time.Second)

	hit := make(map[string]int)
	for agg := 0; agg < 300; agg++ {
		inst, err := r.Route(context.Background(), switchyard.KindCommand, "CreateOrder", fmt.Sprintf("order-%d", agg))
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		hit[inst.ID]++
	}
	for _, id := range []string{"inst-a", "inst-b", "inst-c"} {
		if hit[id] == 0 {
			t.Errorf("instance %s never selected: %v", id, hit)
		}
	}
}

func TestRoundRobinWithoutAggregate(t *testing.T) {
	store := &fakeStore{instances: instances("inst-a", "inst-b")}
	r := New(store, &stubClock{now: time.Now()}, 2*time.Second)
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		inst, err := r.Route(ctx, switchyard.KindQuery, "GetOrder", "")
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		got = append(got, inst.ID)
	}
	want := []string{"inst-a", "inst-b", "inst-a", "inst-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round robin order = %v, want %v", got, want)
		}
	}
}

func TestNoHandler(t *testing.T) {
	store := &fakeStore{}
	r := New(store, &stubClock{now: time.Now()}, 2*time.Second)

	_, err := r.Route(context.Background(), switchyard.KindCommand, "CreateOrder", "order-1")
	if !errors.Is(err, switchyard.ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if switchyard.CodeOf(err) != switchyard.CodeNoHandler {
		t.Errorf("code = %s, want NO_HANDLER", switchyard.CodeOf(err))
	}
}

func TestRegistryErrorNeverFallsBack(t *testing.T) {
	store := &fakeStore{err: switchyard.ErrRegistryUnavailable}
	r := New(store, &stubClock{now: time.Now()}, 2*time.Second)

	_, err := r.Route(context.Background(), switchyard.KindCommand, "CreateOrder", "order-1")
	if !errors.Is(err, switchyard.ErrRegistryUnavailable) {
		t.Fatalf("expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestCacheBoundsRegistryReads(t *testing.T) {
	store := &fakeStore{instances: instances("inst-a")}
	clock := &stubClock{now: time.Now()}
	r := New(store, clock, 2*time.Second)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", "order-1"); err != nil {
			t.Fatalf("route: %v", err)
		}
	}
	if store.reads != 1 {
		t.Fatalf("expected 1 registry read within TTL, got %d", store.reads)
	}

	clock.Advance(3 * time.Second)
	if _, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", "order-1"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if store.reads != 2 {
		t.Fatalf("expected refetch after TTL, got %d reads", store.reads)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	store := &fakeStore{instances: instances("inst-a", "inst-b")}
	r := New(store, &stubClock{now: time.Now()}, time.Minute)
	ctx := context.Background()

	if _, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", "order-1"); err != nil {
		t.Fatalf("route: %v", err)
	}
	r.Invalidate(switchyard.KindCommand, "CreateOrder")
	if _, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", "order-1"); err != nil {
		t.Fatalf("route: %v", err)
	}
	if store.reads != 2 {
		t.Fatalf("expected refetch after invalidate, got %d reads", store.reads)
	}
}

func TestMembershipChangeMayRemapAggregates(t *testing.T) {
	store := &fakeStore{instances: instances("inst-a", "inst-b", "inst-c")}
	r := New(store, &stubClock{now: time.Now()}, time.Minute)
	ctx := context.Background()

	before := make(map[string]string)
	for agg := 0; agg < 100; agg++ {
		id := fmt.Sprintf("order-%d", agg)
		inst, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", id)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		before[id] = inst.ID
	}

	store.mu.Lock()
	store.instances = instances("inst-a", "inst-b")
	store.mu.Unlock()
	r.Invalidate(switchyard.KindCommand, "CreateOrder")

	// Determinism holds within the new membership even though some
	// aggregates remap.
	for agg := 0; agg < 100; agg++ {
		id := fmt.Sprintf("order-%d", agg)
		first, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", id)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		second, err := r.Route(ctx, switchyard.KindCommand, "CreateOrder", id)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if first.ID != second.ID {
			t.Fatalf("aggregate %q unstable after membership change", id)
		}
	}
}
