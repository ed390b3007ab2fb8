// Package router selects a handler instance for a (kind, typeName)
// pair: deterministic aggregate affinity when an aggregate ID is
// present, round robin otherwise.
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"switchyard"
	"switchyard/internal/check"
)

// Store is the slice of the registry the router reads.
type Store interface {
	ListInstancesForType(ctx context.Context, kind switchyard.HandlerKind, typeName string, onlyRoutable bool) ([]switchyard.Instance, error)
}

// Clock abstracts time for cache expiry tests.
type Clock interface {
	Now() time.Time
}

type cacheEntry struct {
	instances []switchyard.Instance
	fetchedAt time.Time
}

// Router routes requests to instances. The instance list per type is
// cached for at most cacheTTL, which must not exceed the registry's
// staleness bound, so a routing decision is never staler than the
// registry already allows.
type Router struct {
	store    Store
	clock    Clock
	cacheTTL time.Duration

	mu       sync.Mutex
	cache    map[string]cacheEntry
	counters map[string]uint64
}

func New(store Store, clock Clock, cacheTTL time.Duration) *Router {
	return &Router{
		store:    store,
		clock:    clock,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		counters: make(map[string]uint64),
	}
}

func cacheKey(kind switchyard.HandlerKind, typeName string) string {
	return kind.String() + ":" + typeName
}

// Route picks an instance for one request. With a non-empty aggregateID
// the choice is a pure function of (aggregateID, current instance list):
// FNV-1a over the ID, modulo the sorted routable list. Without one, the
// choice round-robins per typeName.
//
// No routable instance yields switchyard.ErrNoHandler; a registry read
// failure yields switchyard.ErrRegistryUnavailable (never a silent
// fallback to stale data).
func (r *Router) Route(ctx context.Context, kind switchyard.HandlerKind, typeName, aggregateID string) (switchyard.Instance, error) {
	if typeName == "" {
		return switchyard.Instance{}, switchyard.Invalid("type_name", "must not be empty")
	}

	instances, err := r.instances(ctx, kind, typeName)
	if err != nil {
		return switchyard.Instance{}, err
	}
	if len(instances) == 0 {
		return switchyard.Instance{}, fmt.Errorf("%s %q: %w", kind, typeName, switchyard.ErrNoHandler)
	}

	if aggregateID != "" {
		return instances[affinityIndex(aggregateID, len(instances))], nil
	}

	r.mu.Lock()
	n := r.counters[cacheKey(kind, typeName)]
	r.counters[cacheKey(kind, typeName)] = n + 1
	r.mu.Unlock()
	return instances[n%uint64(len(instances))], nil
}

// Invalidate drops the cached instance list for a type. Called after a
// forwarding failure so the next route sees a fresh registry read.
func (r *Router) Invalidate(kind switchyard.HandlerKind, typeName string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(kind, typeName))
	r.mu.Unlock()
}

func (r *Router) instances(ctx context.Context, kind switchyard.HandlerKind, typeName string) ([]switchyard.Instance, error) {
	key := cacheKey(kind, typeName)
	now := r.clock.Now()

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < r.cacheTTL {
		return entry.instances, nil
	}

	instances, err := r.store.ListInstancesForType(ctx, kind, typeName, true)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{instances: instances, fetchedAt: now}
	r.mu.Unlock()
	return instances, nil
}

// affinityIndex maps an aggregate ID onto an index: FNV-1a 64-bit over
// the UTF-8 bytes, absolute value, modulo n.
func affinityIndex(aggregateID string, n int) int {
	check.Assert(n > 0, "affinityIndex: empty instance list")

	h := fnv.New64a()
	h.Write([]byte(aggregateID))
	v := int64(h.Sum64())
	if v < 0 {
		v = -v
	}
	idx := v % int64(n)
	if idx < 0 {
		// math.MinInt64 negates to itself; fold the remainder back.
		idx = -idx
	}
	return int(idx)
}
