package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/ir"
	"github.com/roach88/replicore/internal/proxy"
	"github.com/roach88/replicore/internal/storage"
)

// replica is one participant. Views are rendered as ir values so every
// kind traces and compares the same way; a nil view means empty.
type replica interface {
	apply(ctx context.Context, step Step) (bool, error)
	view() ir.IRValue
	field(name string) ir.IRValue
	version() crdt.VersionMap
	close()
}

// mergeable is a bare replica that can exchange models.
type mergeable interface {
	replica
	snapshot() any
	merge(data any) error
}

// kind describes how to build ops for and render one CRDT kind.
type kind[D, O, V any] struct {
	newModel func() crdt.Model[D, O, V]
	build    func(m crdt.Model[D, O, V], actor crdt.Actor, step Step) ([]O, error)
	render   func(v V) ir.IRValue
	field    func(v V, name string) ir.IRValue
}

// crdtReplica is a bare model with no store behind it.
type crdtReplica[D, O, V any] struct {
	actor crdt.Actor
	model crdt.Model[D, O, V]
	k     kind[D, O, V]
}

func (r *crdtReplica[D, O, V]) apply(_ context.Context, step Step) (bool, error) {
	ops, err := r.k.build(r.model, r.actor, step)
	if err != nil {
		return false, err
	}
	before := r.model.Data()
	for _, op := range ops {
		if !r.model.ApplyOperation(op) {
			r.model.Restore(before)
			return false, nil
		}
	}
	return true, nil
}

func (r *crdtReplica[D, O, V]) view() ir.IRValue         { return r.k.render(r.model.ConsumerView()) }
func (r *crdtReplica[D, O, V]) field(n string) ir.IRValue { return r.k.field(r.model.ConsumerView(), n) }
func (r *crdtReplica[D, O, V]) version() crdt.VersionMap  { return r.model.VersionMap() }
func (r *crdtReplica[D, O, V]) close()                    {}
func (r *crdtReplica[D, O, V]) snapshot() any             { return r.model.Data() }

func (r *crdtReplica[D, O, V]) merge(data any) error {
	d, ok := data.(D)
	if !ok {
		return fmt.Errorf("cannot merge %T into %T", data, r.model)
	}
	r.model.Merge(d)
	return nil
}

// proxyReplica writes through a proxy attached to the scenario store.
type proxyReplica[D, O, V any] struct {
	actor crdt.Actor
	p     *proxy.Proxy[D, O, V]
	k     kind[D, O, V]
}

func (r *proxyReplica[D, O, V]) apply(ctx context.Context, step Step) (bool, error) {
	var buildErr error
	ok, err := r.p.Apply(ctx, func(m crdt.Model[D, O, V]) []O {
		ops, err := r.k.build(m, r.actor, step)
		buildErr = err
		return ops
	})
	if buildErr != nil {
		return false, buildErr
	}
	return ok, err
}

func (r *proxyReplica[D, O, V]) view() ir.IRValue         { return r.k.render(r.p.View()) }
func (r *proxyReplica[D, O, V]) field(n string) ir.IRValue { return r.k.field(r.p.View(), n) }
func (r *proxyReplica[D, O, V]) version() crdt.VersionMap  { return r.p.VersionMap() }
func (r *proxyReplica[D, O, V]) close()                    { r.p.Close() }

// value converts a YAML scalar or structure to a payload.
func value(v any) (crdt.Primitive, error) {
	iv, err := ir.FromGo(v)
	if err != nil {
		return crdt.Primitive{}, err
	}
	return crdt.P(iv), nil
}

type keyedValue struct {
	key string
	v   ir.IRValue
}

// sortedArray orders payloads by canonical encoding so traces do not
// depend on hash order.
func sortedArray(vals []ir.IRValue) ir.IRValue {
	if len(vals) == 0 {
		return nil
	}
	keyed := make([]keyedValue, len(vals))
	for i, v := range vals {
		b, _ := ir.MarshalCanonical(v)
		keyed[i] = keyedValue{key: string(b), v: v}
	}
	slices.SortFunc(keyed, func(a, b keyedValue) int {
		return strings.Compare(a.key, b.key)
	})
	out := make(ir.IRArray, len(keyed))
	for i, kv := range keyed {
		out[i] = kv.v
	}
	return out
}

func noField[V any](V, string) ir.IRValue { return nil }

type (
	setData = crdt.SetData[crdt.Primitive]
	setOp   = crdt.SetOp[crdt.Primitive]
	oneOp   = crdt.SingletonOp[crdt.Primitive]
)

var setKind = kind[setData, setOp, []crdt.Primitive]{
	newModel: func() crdt.Model[setData, setOp, []crdt.Primitive] { return crdt.NewSet[crdt.Primitive]() },
	build: func(m crdt.Model[setData, setOp, []crdt.Primitive], actor crdt.Actor, step Step) ([]setOp, error) {
		switch step.Op {
		case OpAdd:
			v, err := value(step.Value)
			if err != nil {
				return nil, err
			}
			return []setOp{crdt.SetAdd[crdt.Primitive]{Actor: actor, Clock: m.VersionMap().Next(actor), Added: v}}, nil
		case OpRemove:
			v, err := value(step.Value)
			if err != nil {
				return nil, err
			}
			// Removing an unseen value is still attempted so it can be rejected.
			return []setOp{crdt.SetRemove[crdt.Primitive]{Actor: actor, Clock: m.VersionMap(), Removed: v}}, nil
		case OpClear:
			return []setOp{crdt.SetClear[crdt.Primitive]{Actor: actor, Clock: m.VersionMap()}}, nil
		}
		return nil, fmt.Errorf("set: unsupported op %q", step.Op)
	},
	render: func(vals []crdt.Primitive) ir.IRValue {
		out := make([]ir.IRValue, len(vals))
		for i, v := range vals {
			out[i] = v.Value
		}
		return sortedArray(out)
	},
	field: noField[[]crdt.Primitive],
}

var singletonKind = kind[setData, oneOp, *crdt.Primitive]{
	newModel: func() crdt.Model[setData, oneOp, *crdt.Primitive] { return crdt.NewSingleton[crdt.Primitive]() },
	build: func(m crdt.Model[setData, oneOp, *crdt.Primitive], actor crdt.Actor, step Step) ([]oneOp, error) {
		switch step.Op {
		case OpSet:
			v, err := value(step.Value)
			if err != nil {
				return nil, err
			}
			return []oneOp{crdt.SingletonUpdate[crdt.Primitive]{Actor: actor, Clock: m.VersionMap().Next(actor), Value: v}}, nil
		case OpClear:
			return []oneOp{crdt.SingletonClear[crdt.Primitive]{Actor: actor, Clock: m.VersionMap()}}, nil
		}
		return nil, fmt.Errorf("singleton: unsupported op %q", step.Op)
	},
	render: func(v *crdt.Primitive) ir.IRValue {
		if v == nil {
			return nil
		}
		return v.Value
	},
	field: noField[*crdt.Primitive],
}

func entityKind(sc crdt.Schema) kind[crdt.EntityData, crdt.EntityOp, crdt.RawEntity] {
	return kind[crdt.EntityData, crdt.EntityOp, crdt.RawEntity]{
		newModel: func() crdt.Model[crdt.EntityData, crdt.EntityOp, crdt.RawEntity] { return crdt.NewEntity(sc) },
		build:    buildEntityOps,
		render: func(e crdt.RawEntity) ir.IRValue {
			if e.IsEmpty() {
				return nil
			}
			out := ir.IRObject{}
			for f, v := range e.Singletons {
				out[f] = v
			}
			for f, vals := range e.Collections {
				out[f] = sortedArray(vals)
			}
			return out
		},
		field: func(e crdt.RawEntity, name string) ir.IRValue {
			if v, ok := e.Singletons[name]; ok {
				return v
			}
			if vals, ok := e.Collections[name]; ok {
				return sortedArray(vals)
			}
			return nil
		},
	}
}

func buildEntityOps(m crdt.Model[crdt.EntityData, crdt.EntityOp, crdt.RawEntity], actor crdt.Actor, step Step) ([]crdt.EntityOp, error) {
	clock := m.(*crdt.Entity).FieldVersion(step.Field)
	if clock == nil {
		return nil, fmt.Errorf("entity: unknown field %q", step.Field)
	}
	var v crdt.Primitive
	if needsValue(step.Op) {
		var err error
		if v, err = value(step.Value); err != nil {
			return nil, err
		}
	}
	switch step.Op {
	case OpSet:
		return []crdt.EntityOp{crdt.EntitySet{Actor: actor, Clock: clock.Next(actor), Field: step.Field, Value: v}}, nil
	case OpClear:
		return []crdt.EntityOp{crdt.EntityClear{Actor: actor, Clock: clock, Field: step.Field}}, nil
	case OpAdd:
		return []crdt.EntityOp{crdt.EntityAdd{Actor: actor, Clock: clock.Next(actor), Field: step.Field, Added: v}}, nil
	case OpRemove:
		return []crdt.EntityOp{crdt.EntityRemove{Actor: actor, Clock: clock, Field: step.Field, Removed: v}}, nil
	}
	return nil, fmt.Errorf("entity: unsupported op %q", step.Op)
}

// cluster holds every replica of a scenario and, when any replica is a
// proxy, the store they share.
type cluster struct {
	replicas map[string]replica
	settle   func(ctx context.Context) error
	close    func()
}

func newCluster[D, O, V any](ctx context.Context, s *Scenario, k kind[D, O, V], store *storage.Direct[D, O, V], correlationIDs func() string) (*cluster, error) {
	c := &cluster{replicas: make(map[string]replica, len(s.Replicas))}
	var proxies []*proxy.Proxy[D, O, V]

	for _, spec := range s.Replicas {
		actor := crdt.Actor(spec.Name)
		if spec.Mode == ModeCRDT {
			c.replicas[spec.Name] = &crdtReplica[D, O, V]{actor: actor, model: k.newModel(), k: k}
			continue
		}
		p, err := proxy.New(ctx, storage.ActiveStore[D, O](store), k.newModel(), proxy.WithCorrelationIDs(correlationIDs))
		if err == nil {
			if err = p.WaitSynced(ctx); err != nil {
				p.Close()
			}
		}
		if err != nil {
			for _, open := range proxies {
				open.Close()
			}
			return nil, fmt.Errorf("replica %s: %w", spec.Name, err)
		}
		proxies = append(proxies, p)
		c.replicas[spec.Name] = &proxyReplica[D, O, V]{actor: actor, p: p, k: k}
	}

	// Deliveries hop from the store queue to each proxy queue; two rounds
	// drain anything a proxy sends back.
	c.settle = func(ctx context.Context) error {
		if store == nil {
			return nil
		}
		for range 2 {
			if err := store.Idle(ctx); err != nil {
				return err
			}
			for _, p := range proxies {
				if err := p.Idle(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	}
	c.close = func() {
		for _, r := range c.replicas {
			r.close()
		}
		if store != nil {
			store.Close()
		}
	}
	return c, nil
}
