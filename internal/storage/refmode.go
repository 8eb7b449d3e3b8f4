package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
)

// Resolution is the outcome of dereferencing a reference.
type Resolution int

const (
	// Resolved means the backing entity is present and at least as new as
	// the reference.
	Resolved Resolution = iota
	// Unresolved means the backing entity is absent or empty: the
	// reference is dangling.
	Unresolved
	// Pending means the backing store has not yet caught up with the
	// version the reference was written at.
	Pending
)

// String returns the resolution name.
func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Unresolved:
		return "unresolved"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// ResolvedEntity pairs a reference with the result of following it.
type ResolvedEntity struct {
	Reference  crdt.Reference
	Entity     crdt.RawEntity
	Resolution Resolution
}

// RefMode splits storage in two: full entities live in a Backing store and
// the container holds lightweight references to them. The two halves
// converge independently; readers see the gap as Pending or Unresolved.
type RefMode[D, O, V any] struct {
	key       driver.ReferenceModeKey
	container *Direct[D, O, V]
	backing   *Backing
	actor     crdt.Actor

	refs   func(V) []crdt.Reference
	put    func(m crdt.Model[D, O, V], actor crdt.Actor, ref crdt.Reference) []O
	remove func(m crdt.Model[D, O, V], actor crdt.Actor, id string) []O
}

// RefModeCollection keeps a set of references.
type RefModeCollection = RefMode[crdt.SetData[crdt.Reference], crdt.SetOp[crdt.Reference], []crdt.Reference]

// RefModeSingleton keeps at most one visible reference.
type RefModeSingleton = RefMode[crdt.SetData[crdt.Reference], crdt.SingletonOp[crdt.Reference], *crdt.Reference]

// NewRefModeCollection opens a reference-mode collection at key, which
// must be a reference-mode:// key.
func NewRefModeCollection(ctx context.Context, reg *driver.Registry, key driver.Key, mode driver.ExistenceMode, schema crdt.Schema, opts ...Option) (*RefModeCollection, error) {
	model := crdt.Model[crdt.SetData[crdt.Reference], crdt.SetOp[crdt.Reference], []crdt.Reference](crdt.NewSet[crdt.Reference]())
	return newRefMode(ctx, reg, key, mode, schema, model,
		func(v []crdt.Reference) []crdt.Reference { return v },
		func(m crdt.Model[crdt.SetData[crdt.Reference], crdt.SetOp[crdt.Reference], []crdt.Reference], actor crdt.Actor, ref crdt.Reference) []crdt.SetOp[crdt.Reference] {
			return []crdt.SetOp[crdt.Reference]{crdt.SetAdd[crdt.Reference]{Actor: actor, Clock: m.VersionMap().Next(actor), Added: ref}}
		},
		func(m crdt.Model[crdt.SetData[crdt.Reference], crdt.SetOp[crdt.Reference], []crdt.Reference], actor crdt.Actor, id string) []crdt.SetOp[crdt.Reference] {
			for _, ref := range m.ConsumerView() {
				if ref.ID == id {
					return []crdt.SetOp[crdt.Reference]{crdt.SetRemove[crdt.Reference]{Actor: actor, Clock: m.VersionMap(), Removed: ref}}
				}
			}
			return nil
		},
		opts...)
}

// NewRefModeSingleton opens a reference-mode singleton at key.
func NewRefModeSingleton(ctx context.Context, reg *driver.Registry, key driver.Key, mode driver.ExistenceMode, schema crdt.Schema, opts ...Option) (*RefModeSingleton, error) {
	model := crdt.Model[crdt.SetData[crdt.Reference], crdt.SingletonOp[crdt.Reference], *crdt.Reference](crdt.NewSingleton[crdt.Reference]())
	return newRefMode(ctx, reg, key, mode, schema, model,
		func(v *crdt.Reference) []crdt.Reference {
			if v == nil {
				return nil
			}
			return []crdt.Reference{*v}
		},
		func(m crdt.Model[crdt.SetData[crdt.Reference], crdt.SingletonOp[crdt.Reference], *crdt.Reference], actor crdt.Actor, ref crdt.Reference) []crdt.SingletonOp[crdt.Reference] {
			return []crdt.SingletonOp[crdt.Reference]{crdt.SingletonUpdate[crdt.Reference]{Actor: actor, Clock: m.VersionMap().Next(actor), Value: ref}}
		},
		func(m crdt.Model[crdt.SetData[crdt.Reference], crdt.SingletonOp[crdt.Reference], *crdt.Reference], actor crdt.Actor, id string) []crdt.SingletonOp[crdt.Reference] {
			if cur := m.ConsumerView(); cur != nil && cur.ID == id {
				return []crdt.SingletonOp[crdt.Reference]{crdt.SingletonClear[crdt.Reference]{Actor: actor, Clock: m.VersionMap()}}
			}
			return nil
		},
		opts...)
}

func newRefMode[D, O, V any](
	ctx context.Context,
	reg *driver.Registry,
	key driver.Key,
	mode driver.ExistenceMode,
	schema crdt.Schema,
	model crdt.Model[D, O, V],
	refs func(V) []crdt.Reference,
	put func(crdt.Model[D, O, V], crdt.Actor, crdt.Reference) []O,
	remove func(crdt.Model[D, O, V], crdt.Actor, string) []O,
	opts ...Option,
) (*RefMode[D, O, V], error) {
	rk, err := driver.ParseReferenceModeKey(key)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	actor := o.actor
	if actor == "" {
		actor = crdt.Actor(uuid.Must(uuid.NewV7()).String())
	}

	container, err := NewDirect(ctx, reg, rk.Container, mode, model, opts...)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	return &RefMode[D, O, V]{
		key:       rk,
		container: container,
		backing:   NewBacking(reg, rk.Backing, schema, actor, opts...),
		actor:     actor,
		refs:      refs,
		put:       put,
		remove:    remove,
	}, nil
}

// Key returns the composite key.
func (r *RefMode[D, O, V]) Key() driver.ReferenceModeKey { return r.key }

// Actor returns the actor this store writes as.
func (r *RefMode[D, O, V]) Actor() crdt.Actor { return r.actor }

// Container returns the reference store. Proxies attach here.
func (r *RefMode[D, O, V]) Container() *Direct[D, O, V] { return r.container }

// Backing returns the entity store.
func (r *RefMode[D, O, V]) Backing() *Backing { return r.backing }

// Store writes e into the backing store and then a reference to it into
// the container. The two writes are not atomic.
func (r *RefMode[D, O, V]) Store(ctx context.Context, e crdt.RawEntity) (crdt.Reference, error) {
	version, err := r.backing.Store(ctx, e)
	if err != nil {
		return crdt.Reference{}, err
	}
	ref := crdt.Reference{ID: e.ID, StorageKey: r.backing.EntityKey(e.ID).String(), Version: version}
	ok, err := r.container.Update(ctx, func(m crdt.Model[D, O, V]) []O {
		return r.put(m, r.actor, ref)
	})
	if err != nil {
		return ref, fmt.Errorf("store reference %s: %w", e.ID, err)
	}
	if !ok {
		return ref, fmt.Errorf("store reference %s: operations rejected", e.ID)
	}
	return ref, nil
}

// Remove drops the reference to id from the container. The backing entity
// is left alone.
func (r *RefMode[D, O, V]) Remove(ctx context.Context, id string) error {
	ok, err := r.container.Update(ctx, func(m crdt.Model[D, O, V]) []O {
		return r.remove(m, r.actor, id)
	})
	if err != nil {
		return fmt.Errorf("remove reference %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("remove reference %s: operations rejected", id)
	}
	return nil
}

// References returns the container's current references.
func (r *RefMode[D, O, V]) References() []crdt.Reference {
	return r.refs(r.container.View())
}

// Dereference follows ref into the backing store.
func (r *RefMode[D, O, V]) Dereference(ctx context.Context, ref crdt.Reference) (crdt.RawEntity, Resolution, error) {
	entity, version, err := r.backing.Get(ctx, ref.ID)
	if errors.Is(err, ErrUnresolved) {
		return crdt.RawEntity{ID: ref.ID}, Unresolved, nil
	}
	if err != nil {
		return crdt.RawEntity{}, Unresolved, err
	}
	switch {
	case !version.Dominates(ref.Version):
		return entity, Pending, nil
	case entity.IsEmpty():
		return entity, Unresolved, nil
	default:
		return entity, Resolved, nil
	}
}

// Get dereferences the container's reference to id. It returns
// ErrUnresolved when there is no such reference or the entity is not
// available.
func (r *RefMode[D, O, V]) Get(ctx context.Context, id string) (crdt.RawEntity, error) {
	for _, ref := range r.References() {
		if ref.ID != id {
			continue
		}
		e, res, err := r.Dereference(ctx, ref)
		if err != nil {
			return crdt.RawEntity{}, err
		}
		if res != Resolved {
			return crdt.RawEntity{}, fmt.Errorf("%s is %s: %w", id, res, ErrUnresolved)
		}
		return e, nil
	}
	return crdt.RawEntity{}, fmt.Errorf("no reference to %s: %w", id, ErrUnresolved)
}

// FetchAll dereferences every reference in the container.
func (r *RefMode[D, O, V]) FetchAll(ctx context.Context) ([]ResolvedEntity, error) {
	refs := r.References()
	out := make([]ResolvedEntity, 0, len(refs))
	for _, ref := range refs {
		e, res, err := r.Dereference(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedEntity{Reference: ref, Entity: e, Resolution: res})
	}
	return out, nil
}

// Idle waits for both halves to deliver queued messages.
func (r *RefMode[D, O, V]) Idle(ctx context.Context) error {
	if err := r.container.Idle(ctx); err != nil {
		return err
	}
	return r.backing.Idle(ctx)
}

// Close closes both halves.
func (r *RefMode[D, O, V]) Close() error {
	cerr := r.container.Close()
	berr := r.backing.Close()
	if cerr != nil {
		return cerr
	}
	return berr
}
