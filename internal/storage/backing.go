package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
)

// EntityStore is an Active Store over one entity.
type EntityStore = Direct[crdt.EntityData, crdt.EntityOp, crdt.RawEntity]

// Backing holds full entities, one Active Store per entity id at
// key/<id>. Stores are opened on first use and share one schema.
type Backing struct {
	reg    *driver.Registry
	key    driver.Key
	schema crdt.Schema
	actor  crdt.Actor
	opts   []Option

	mu     sync.Mutex
	stores map[string]*EntityStore
	closed bool
}

// NewBacking returns a backing store rooted at key. Writes are issued as
// actor.
func NewBacking(reg *driver.Registry, key driver.Key, schema crdt.Schema, actor crdt.Actor, opts ...Option) *Backing {
	return &Backing{
		reg:    reg,
		key:    key,
		schema: schema,
		actor:  actor,
		opts:   opts,
		stores: make(map[string]*EntityStore),
	}
}

// Key returns the backing root key.
func (b *Backing) Key() driver.Key { return b.key }

// EntityKey returns the storage key of entity id.
func (b *Backing) EntityKey(id string) driver.Key { return b.key.Child(id) }

// Entity returns the store for id, opening it if needed. The entity key is
// created if it does not exist yet.
func (b *Backing) Entity(ctx context.Context, id string) (*EntityStore, error) {
	return b.open(ctx, id, driver.MayExist)
}

// open returns the cached store for id or opens one with mode. The driver
// is opened without holding b.mu; when two callers race, the loser closes
// its store and uses the winner's.
func (b *Backing) open(ctx context.Context, id string, mode driver.ExistenceMode) (*EntityStore, error) {
	if id == "" {
		return nil, fmt.Errorf("entity id is empty")
	}
	if st, err := b.cached(id); st != nil || err != nil {
		return st, err
	}

	st, err := NewDirect(ctx, b.reg, b.EntityKey(id), mode, crdt.Model[crdt.EntityData, crdt.EntityOp, crdt.RawEntity](crdt.NewEntity(b.schema)), b.opts...)
	if err != nil {
		return nil, fmt.Errorf("open backing entity %s: %w", id, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		st.Close()
		return nil, b.disposed()
	}
	if existing, ok := b.stores[id]; ok {
		b.mu.Unlock()
		st.Close()
		return existing, nil
	}
	b.stores[id] = st
	b.mu.Unlock()
	return st, nil
}

func (b *Backing) cached(id string) (*EntityStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, b.disposed()
	}
	return b.stores[id], nil
}

func (b *Backing) disposed() error {
	return &StoreError{Code: ErrCodeDisposed, Message: "backing store is closed", Key: b.key.String()}
}

// Store writes e as the diff between the current entity and e, so
// concurrent writers merge field by field. It returns the entity version
// after the write.
func (b *Backing) Store(ctx context.Context, e crdt.RawEntity) (crdt.VersionMap, error) {
	st, err := b.Entity(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return b.diff(ctx, st, e)
}

// Remove clears every field of entity id. References to it become
// dangling.
func (b *Backing) Remove(ctx context.Context, id string) error {
	st, err := b.Entity(ctx, id)
	if err != nil {
		return err
	}
	_, err = b.diff(ctx, st, crdt.RawEntity{ID: id})
	return err
}

// Get returns the entity view and version for id. An id that was never
// stored yields ErrUnresolved and is not created.
func (b *Backing) Get(ctx context.Context, id string) (crdt.RawEntity, crdt.VersionMap, error) {
	st, err := b.open(ctx, id, driver.ShouldExist)
	if driver.IsWrongExistenceError(err) {
		return crdt.RawEntity{}, nil, fmt.Errorf("backing entity %s: %w", id, ErrUnresolved)
	}
	if err != nil {
		return crdt.RawEntity{}, nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	view := st.model.ConsumerView()
	view.ID = id
	return view, st.model.VersionMap(), nil
}

// Idle waits for every open entity store's queued deliveries.
func (b *Backing) Idle(ctx context.Context) error {
	b.mu.Lock()
	stores := make([]*EntityStore, 0, len(b.stores))
	for _, st := range b.stores {
		stores = append(stores, st)
	}
	b.mu.Unlock()

	for _, st := range stores {
		if err := st.Idle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every entity store.
func (b *Backing) Close() error {
	b.mu.Lock()
	b.closed = true
	stores := b.stores
	b.stores = make(map[string]*EntityStore)
	b.mu.Unlock()

	var first error
	for _, st := range stores {
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Backing) diff(ctx context.Context, st *EntityStore, e crdt.RawEntity) (crdt.VersionMap, error) {
	var version crdt.VersionMap
	ok, err := st.Update(ctx, func(m crdt.Model[crdt.EntityData, crdt.EntityOp, crdt.RawEntity]) []crdt.EntityOp {
		ops := m.(*crdt.Entity).DiffOps(b.actor, e)
		if len(ops) == 0 {
			version = m.VersionMap()
		}
		return ops
	})
	if err != nil {
		return nil, fmt.Errorf("write entity %s: %w", e.ID, err)
	}
	if !ok {
		return nil, fmt.Errorf("write entity %s: operations rejected", e.ID)
	}
	if version == nil {
		_, version = st.versionMap()
	}
	return version, nil
}
