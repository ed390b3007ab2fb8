// Package registry is the shared store of service instances and their
// handler bindings.
//
// The backing store is Redis: instance records are JSON values with a
// garbage-collection TTL, and the routing tables are sets keyed by
// (kind, typeName). Every multi-key write goes through an optimistic
// transaction (WATCH + MULTI/EXEC) so a re-registration replaces the
// prior binding sets atomically: readers observe the old sets or the new
// sets, never a mix.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"switchyard"
)

const (
	instanceKeyPrefix = "sy:instance:"
	handlersKeyPrefix = "sy:handlers:"
	routeKeyPrefix    = "sy:route:"

	// recordTTL bounds how long a dead instance record lingers. Expired
	// and stopping records stay visible for observability until Redis
	// collects them; the health monitor excludes them from routing long
	// before that.
	recordTTL = 24 * time.Hour

	// txRetries bounds optimistic transaction retries under contention.
	// Each instance writes only its own keys, so collisions are rare.
	txRetries = 5
)

// Registration is one instance's declaration of the handler types it
// serves. Registering again with the same instance ID replaces the prior
// declaration wholesale.
type Registration struct {
	Instance switchyard.Instance
	Commands []string
	Queries  []string
	Events   []string
}

// Summary reports the effect of a registration.
type Summary struct {
	Commands        int
	Queries         int
	Events          int
	BindingsRemoved int
}

// RemovalSummary reports the effect of an unregistration.
type RemovalSummary struct {
	BindingsRemoved int
	InstanceRemoved bool
}

// Registry stores instance records and handler bindings in Redis.
type Registry struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

func instanceKey(id string) string { return instanceKeyPrefix + id }

func handlersKey(id string) string { return handlersKeyPrefix + id }

func routeKey(kind switchyard.HandlerKind, typeName string) string {
	return routeKeyPrefix + kind.String() + ":" + typeName
}

// binding is the member format of the per-instance handlers set.
func bindingMember(kind switchyard.HandlerKind, typeName string) string {
	return kind.String() + ":" + typeName
}

func parseBindingMember(m string) (switchyard.HandlerKind, string, bool) {
	kindStr, typeName, found := strings.Cut(m, ":")
	if !found {
		return 0, "", false
	}
	kind, ok := switchyard.ParseHandlerKind(kindStr)
	return kind, typeName, ok
}

// record is the stored shape of an instance. Kept separate from the
// domain type so the storage encoding can evolve without touching it.
type record struct {
	ID            string            `json:"id"`
	ServiceName   string            `json:"service_name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	State         string            `json:"state"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Version       string            `json:"version,omitempty"`
	Region        string            `json:"region,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func toRecord(inst switchyard.Instance) record {
	return record{
		ID:            inst.ID,
		ServiceName:   inst.ServiceName,
		Host:          inst.Host,
		Port:          inst.Port,
		State:         inst.State.String(),
		LastHeartbeat: inst.LastHeartbeat,
		Version:       inst.Version,
		Region:        inst.Region,
		Metadata:      inst.Metadata,
	}
}

func (r record) instance() switchyard.Instance {
	state, _ := switchyard.ParseHealthState(r.State)
	return switchyard.Instance{
		ID:            r.ID,
		ServiceName:   r.ServiceName,
		Host:          r.Host,
		Port:          r.Port,
		State:         state,
		LastHeartbeat: r.LastHeartbeat,
		Version:       r.Version,
		Region:        r.Region,
		Metadata:      r.Metadata,
	}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, switchyard.ErrRegistryUnavailable, err)
}

// Register validates and stores reg, replacing any prior registration of
// the same instance atomically. Duplicate type names within one set are
// rejected before anything is written.
func (r *Registry) Register(ctx context.Context, reg Registration) (Summary, error) {
	if err := validateRegistration(reg); err != nil {
		return Summary{}, err
	}

	id := reg.Instance.ID
	newMembers := make(map[string]struct{})
	for _, t := range reg.Commands {
		newMembers[bindingMember(switchyard.KindCommand, t)] = struct{}{}
	}
	for _, t := range reg.Queries {
		newMembers[bindingMember(switchyard.KindQuery, t)] = struct{}{}
	}
	for _, t := range reg.Events {
		newMembers[bindingMember(switchyard.KindEvent, t)] = struct{}{}
	}

	payload, err := json.Marshal(toRecord(reg.Instance))
	if err != nil {
		return Summary{}, fmt.Errorf("marshal instance record: %w", err)
	}

	var removed int
	txn := func(tx *redis.Tx) error {
		old, err := tx.SMembers(ctx, handlersKey(id)).Result()
		if err != nil {
			return err
		}

		removed = 0
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range old {
				if _, keep := newMembers[m]; keep {
					continue
				}
				kind, typeName, ok := parseBindingMember(m)
				if ok {
					pipe.SRem(ctx, routeKey(kind, typeName), id)
				}
				removed++
			}
			pipe.Del(ctx, handlersKey(id))
			for m := range newMembers {
				pipe.SAdd(ctx, handlersKey(id), m)
				kind, typeName, _ := parseBindingMember(m)
				pipe.SAdd(ctx, routeKey(kind, typeName), id)
			}
			pipe.Set(ctx, instanceKey(id), payload, recordTTL)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txn, handlersKey(id)); err != nil {
		return Summary{}, storeErr("register instance", err)
	}
	return Summary{
		Commands:        len(reg.Commands),
		Queries:         len(reg.Queries),
		Events:          len(reg.Events),
		BindingsRemoved: removed,
	}, nil
}

// Unregister removes the named bindings, or the whole instance when all
// three sets are empty. Unregistering types that were never registered,
// or an unknown instance, is a no-op.
func (r *Registry) Unregister(ctx context.Context, id string, sets switchyard.HandlerSets) (RemovalSummary, error) {
	if id == "" {
		return RemovalSummary{}, switchyard.Invalid("instance_id", "must not be empty")
	}

	wholeInstance := len(sets.Commands) == 0 && len(sets.Queries) == 0 && len(sets.Events) == 0

	var out RemovalSummary
	txn := func(tx *redis.Tx) error {
		old, err := tx.SMembers(ctx, handlersKey(id)).Result()
		if err != nil {
			return err
		}
		oldSet := make(map[string]struct{}, len(old))
		for _, m := range old {
			oldSet[m] = struct{}{}
		}

		var drop []string
		if wholeInstance {
			drop = old
		} else {
			for _, t := range sets.Commands {
				drop = append(drop, bindingMember(switchyard.KindCommand, t))
			}
			for _, t := range sets.Queries {
				drop = append(drop, bindingMember(switchyard.KindQuery, t))
			}
			for _, t := range sets.Events {
				drop = append(drop, bindingMember(switchyard.KindEvent, t))
			}
		}

		out = RemovalSummary{}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range drop {
				if _, present := oldSet[m]; !present {
					continue
				}
				kind, typeName, ok := parseBindingMember(m)
				if ok {
					pipe.SRem(ctx, routeKey(kind, typeName), id)
				}
				pipe.SRem(ctx, handlersKey(id), m)
				out.BindingsRemoved++
			}
			if wholeInstance {
				pipe.Del(ctx, handlersKey(id))
				pipe.Del(ctx, instanceKey(id))
				out.InstanceRemoved = true
			}
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txn, handlersKey(id)); err != nil {
		return RemovalSummary{}, storeErr("unregister instance", err)
	}
	return out, nil
}

// Instance loads one instance record. Returns switchyard.ErrNotFound for
// unknown or collected instances.
func (r *Registry) Instance(ctx context.Context, id string) (switchyard.Instance, error) {
	data, err := r.rdb.Get(ctx, instanceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return switchyard.Instance{}, fmt.Errorf("instance %q: %w", id, switchyard.ErrNotFound)
		}
		return switchyard.Instance{}, storeErr("load instance", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return switchyard.Instance{}, fmt.Errorf("unmarshal instance %q: %w", id, err)
	}
	return rec.instance(), nil
}

// UpdateInstance rewrites the record of a known instance, refreshing its
// collection TTL. The caller provides the full new record.
func (r *Registry) UpdateInstance(ctx context.Context, inst switchyard.Instance) error {
	payload, err := json.Marshal(toRecord(inst))
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}
	if err := r.rdb.Set(ctx, instanceKey(inst.ID), payload, recordTTL).Err(); err != nil {
		return storeErr("update instance", err)
	}
	return nil
}

// UpdateInstanceGuarded applies mutate to the current record inside an
// optimistic transaction on the instance key. A concurrent write
// restarts the transaction, so mutate always decides against the latest
// record. Returns false when mutate declines the write or the record no
// longer exists.
func (r *Registry) UpdateInstanceGuarded(ctx context.Context, id string, mutate func(switchyard.Instance) (switchyard.Instance, bool)) (bool, error) {
	var wrote bool
	txn := func(tx *redis.Tx) error {
		wrote = false
		data, err := tx.Get(ctx, instanceKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal instance %q: %w", id, err)
		}
		next, ok := mutate(rec.instance())
		if !ok {
			return nil
		}
		payload, err := json.Marshal(toRecord(next))
		if err != nil {
			return fmt.Errorf("marshal instance record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, instanceKey(id), payload, recordTTL)
			return nil
		})
		if err == nil {
			wrote = true
		}
		return err
	}
	if err := r.watch(ctx, txn, instanceKey(id)); err != nil {
		return false, storeErr("update instance", err)
	}
	return wrote, nil
}

// ListInstancesForType returns the instances bound to (kind, typeName),
// sorted by instance ID. With onlyRoutable set, instances whose state
// excludes them from routing are filtered out.
func (r *Registry) ListInstancesForType(ctx context.Context, kind switchyard.HandlerKind, typeName string, onlyRoutable bool) ([]switchyard.Instance, error) {
	ids, err := r.rdb.SMembers(ctx, routeKey(kind, typeName)).Result()
	if err != nil {
		return nil, storeErr("list route members", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instanceKey(id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("load route instances", err)
	}

	out := make([]switchyard.Instance, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record collected but route membership not yet cleaned up.
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal instance %q: %w", ids[i], err)
		}
		inst := rec.instance()
		if onlyRoutable && !inst.State.Routable() {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// ListTypesForInstance returns the handler sets an instance currently
// has registered, each sorted.
func (r *Registry) ListTypesForInstance(ctx context.Context, id string) (switchyard.HandlerSets, error) {
	members, err := r.rdb.SMembers(ctx, handlersKey(id)).Result()
	if err != nil {
		return switchyard.HandlerSets{}, storeErr("list instance handlers", err)
	}
	var sets switchyard.HandlerSets
	for _, m := range members {
		kind, typeName, ok := parseBindingMember(m)
		if !ok {
			continue
		}
		switch kind {
		case switchyard.KindCommand:
			sets.Commands = append(sets.Commands, typeName)
		case switchyard.KindQuery:
			sets.Queries = append(sets.Queries, typeName)
		case switchyard.KindEvent:
			sets.Events = append(sets.Events, typeName)
		}
	}
	sort.Strings(sets.Commands)
	sort.Strings(sets.Queries)
	sort.Strings(sets.Events)
	return sets, nil
}

// ListInstances scans all instance records. Used by the health monitor's
// expiry sweep.
func (r *Registry) ListInstances(ctx context.Context) ([]switchyard.Instance, error) {
	var out []switchyard.Instance
	iter := r.rdb.Scan(ctx, 0, instanceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, storeErr("load instance", err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal instance %q: %w", iter.Val(), err)
		}
		out = append(out, rec.instance())
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan instances", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveRoutes drops an instance from every routing set while keeping
// its record and handler sets. Used when an instance reports STOPPING:
// it must stop receiving routed work immediately, but the record stays
// visible until collection.
func (r *Registry) RemoveRoutes(ctx context.Context, id string) error {
	txn := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, handlersKey(id)).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, m := range members {
				kind, typeName, ok := parseBindingMember(m)
				if ok {
					pipe.SRem(ctx, routeKey(kind, typeName), id)
				}
			}
			return nil
		})
		return err
	}
	if err := r.watch(ctx, txn, handlersKey(id)); err != nil {
		return storeErr("remove routes", err)
	}
	return nil
}

// watch runs txn under WATCH on keys, retrying on transaction conflicts.
func (r *Registry) watch(ctx context.Context, txn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = r.rdb.Watch(ctx, txn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func validateRegistration(reg Registration) error {
	if reg.Instance.ID == "" {
		return switchyard.Invalid("instance_id", "must not be empty")
	}
	if reg.Instance.ServiceName == "" {
		return switchyard.Invalid("service_name", "must not be empty")
	}
	if reg.Instance.Host == "" {
		return switchyard.Invalid("host", "must not be empty")
	}
	if reg.Instance.Port <= 0 || reg.Instance.Port > 65535 {
		return switchyard.Invalid("port", "must be in 1..65535")
	}
	if err := noDuplicates("command_types", reg.Commands); err != nil {
		return err
	}
	if err := noDuplicates("query_types", reg.Queries); err != nil {
		return err
	}
	return noDuplicates("event_types", reg.Events)
}

func noDuplicates(field string, types []string) error {
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		if t == "" {
			return switchyard.Invalid(field, "type names must not be empty")
		}
		if _, dup := seen[t]; dup {
			return switchyard.Invalid(field, fmt.Sprintf("duplicate type name %q", t))
		}
		seen[t] = struct{}{}
	}
	return nil
}
