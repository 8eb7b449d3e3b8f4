package proxy

import (
	"context"
	"fmt"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/ir"
	"github.com/roach88/replicore/internal/storage"
)

type (
	setModel[T crdt.Referenceable]       = crdt.Model[crdt.SetData[T], crdt.SetOp[T], []T]
	singletonModel[T crdt.Referenceable] = crdt.Model[crdt.SetData[T], crdt.SingletonOp[T], *T]
	entityModel                          = crdt.Model[crdt.EntityData, crdt.EntityOp, crdt.RawEntity]
)

// CollectionHandle is a typed proxy over a Set. Ops are clocked from the
// shadow's version map and issued as the handle's actor.
type CollectionHandle[T crdt.Referenceable] struct {
	*Proxy[crdt.SetData[T], crdt.SetOp[T], []T]
	actor crdt.Actor
}

// NewCollection opens a collection proxy on store.
func NewCollection[T crdt.Referenceable](ctx context.Context, store storage.ActiveStore[crdt.SetData[T], crdt.SetOp[T]], actor crdt.Actor, opts ...Option) (*CollectionHandle[T], error) {
	p, err := New(ctx, store, setModel[T](crdt.NewSet[T]()), opts...)
	if err != nil {
		return nil, err
	}
	return &CollectionHandle[T]{Proxy: p, actor: actor}, nil
}

// Actor returns the handle's actor.
func (h *CollectionHandle[T]) Actor() crdt.Actor { return h.actor }

// Add adds v.
func (h *CollectionHandle[T]) Add(ctx context.Context, v T) (bool, error) {
	return h.Apply(ctx, func(m setModel[T]) []crdt.SetOp[T] {
		return []crdt.SetOp[T]{crdt.SetAdd[T]{Actor: h.actor, Clock: m.VersionMap().Next(h.actor), Added: v}}
	})
}

// Remove removes v. Removing an absent value is a no-op.
func (h *CollectionHandle[T]) Remove(ctx context.Context, v T) (bool, error) {
	return h.Apply(ctx, func(m setModel[T]) []crdt.SetOp[T] {
		for _, cur := range m.ConsumerView() {
			if cur.RefID() == v.RefID() {
				return []crdt.SetOp[T]{crdt.SetRemove[T]{Actor: h.actor, Clock: m.VersionMap(), Removed: cur}}
			}
		}
		return nil
	})
}

// Clear removes every element the shadow has observed.
func (h *CollectionHandle[T]) Clear(ctx context.Context) (bool, error) {
	return h.Apply(ctx, func(m setModel[T]) []crdt.SetOp[T] {
		return []crdt.SetOp[T]{crdt.SetClear[T]{Actor: h.actor, Clock: m.VersionMap()}}
	})
}

// FetchAll returns the elements in the shadow.
func (h *CollectionHandle[T]) FetchAll() []T { return h.View() }

// Size returns the element count.
func (h *CollectionHandle[T]) Size() int { return len(h.View()) }

// IsEmpty reports whether the shadow holds no elements.
func (h *CollectionHandle[T]) IsEmpty() bool { return h.Size() == 0 }

// SingletonHandle is a typed proxy over a Singleton.
type SingletonHandle[T crdt.Referenceable] struct {
	*Proxy[crdt.SetData[T], crdt.SingletonOp[T], *T]
	actor crdt.Actor
}

// NewSingleton opens a singleton proxy on store.
func NewSingleton[T crdt.Referenceable](ctx context.Context, store storage.ActiveStore[crdt.SetData[T], crdt.SingletonOp[T]], actor crdt.Actor, opts ...Option) (*SingletonHandle[T], error) {
	p, err := New(ctx, store, singletonModel[T](crdt.NewSingleton[T]()), opts...)
	if err != nil {
		return nil, err
	}
	return &SingletonHandle[T]{Proxy: p, actor: actor}, nil
}

// Actor returns the handle's actor.
func (h *SingletonHandle[T]) Actor() crdt.Actor { return h.actor }

// Set replaces every value the shadow has observed with v.
func (h *SingletonHandle[T]) Set(ctx context.Context, v T) (bool, error) {
	return h.Apply(ctx, func(m singletonModel[T]) []crdt.SingletonOp[T] {
		return []crdt.SingletonOp[T]{crdt.SingletonUpdate[T]{Actor: h.actor, Clock: m.VersionMap().Next(h.actor), Value: v}}
	})
}

// Clear removes every value the shadow has observed.
func (h *SingletonHandle[T]) Clear(ctx context.Context) (bool, error) {
	return h.Apply(ctx, func(m singletonModel[T]) []crdt.SingletonOp[T] {
		return []crdt.SingletonOp[T]{crdt.SingletonClear[T]{Actor: h.actor, Clock: m.VersionMap()}}
	})
}

// Get returns the visible value, or nil.
func (h *SingletonHandle[T]) Get() *T { return h.View() }

// EntityHandle is a typed proxy over one Entity.
type EntityHandle struct {
	*Proxy[crdt.EntityData, crdt.EntityOp, crdt.RawEntity]
	id    string
	actor crdt.Actor
}

// NewEntity opens a proxy on the entity store for id.
func NewEntity(ctx context.Context, store storage.ActiveStore[crdt.EntityData, crdt.EntityOp], id string, schema crdt.Schema, actor crdt.Actor, opts ...Option) (*EntityHandle, error) {
	p, err := New(ctx, store, entityModel(crdt.NewEntity(schema)), opts...)
	if err != nil {
		return nil, err
	}
	return &EntityHandle{Proxy: p, id: id, actor: actor}, nil
}

// Actor returns the handle's actor.
func (h *EntityHandle) Actor() crdt.Actor { return h.actor }

// SetField sets a singleton field.
func (h *EntityHandle) SetField(ctx context.Context, field string, v ir.IRValue) (bool, error) {
	return h.fieldOp(ctx, field, func(clock crdt.VersionMap) crdt.EntityOp {
		return crdt.EntitySet{Actor: h.actor, Clock: clock.Next(h.actor), Field: field, Value: crdt.P(v)}
	})
}

// ClearField clears a singleton field.
func (h *EntityHandle) ClearField(ctx context.Context, field string) (bool, error) {
	return h.fieldOp(ctx, field, func(clock crdt.VersionMap) crdt.EntityOp {
		return crdt.EntityClear{Actor: h.actor, Clock: clock, Field: field}
	})
}

// AddToField adds v to a collection field.
func (h *EntityHandle) AddToField(ctx context.Context, field string, v ir.IRValue) (bool, error) {
	return h.fieldOp(ctx, field, func(clock crdt.VersionMap) crdt.EntityOp {
		return crdt.EntityAdd{Actor: h.actor, Clock: clock.Next(h.actor), Field: field, Added: crdt.P(v)}
	})
}

// RemoveFromField removes v from a collection field.
func (h *EntityHandle) RemoveFromField(ctx context.Context, field string, v ir.IRValue) (bool, error) {
	return h.fieldOp(ctx, field, func(clock crdt.VersionMap) crdt.EntityOp {
		return crdt.EntityRemove{Actor: h.actor, Clock: clock, Field: field, Removed: crdt.P(v)}
	})
}

// Entity returns the consumer view with the handle's id.
func (h *EntityHandle) Entity() crdt.RawEntity {
	e := h.View()
	e.ID = h.id
	return e
}

func (h *EntityHandle) fieldOp(ctx context.Context, field string, build func(clock crdt.VersionMap) crdt.EntityOp) (bool, error) {
	var unknown bool
	ok, err := h.Apply(ctx, func(m entityModel) []crdt.EntityOp {
		clock := m.(*crdt.Entity).FieldVersion(field)
		if clock == nil {
			unknown = true
			return nil
		}
		return []crdt.EntityOp{build(clock)}
	})
	if unknown {
		return false, fmt.Errorf("entity %s has no field %q", h.id, field)
	}
	return ok, err
}
