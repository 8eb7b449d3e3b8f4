package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/dispatch"
	"github.com/roach88/replicore/internal/storage"
)

// ErrClosed is returned by writes on a closed proxy.
var ErrClosed = errors.New("proxy is closed")

// ErrNotSynced is returned by writes issued before the proxy has a model
// from its store. Wait with WaitSynced.
var ErrNotSynced = errors.New("proxy is not synced")

// State is the sync state of a proxy.
type State int

const (
	NoSync State = iota
	AwaitingSync
	Synced
	Desynced
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NoSync:
		return "no_sync"
	case AwaitingSync:
		return "awaiting_sync"
	case Synced:
		return "synced"
	case Desynced:
		return "desynced"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind says why subscribers are being notified.
type EventKind int

const (
	// Ready is sent once, when the first model arrives.
	Ready EventKind = iota
	// Update is sent when the shadow changes.
	Update
	// Desync is sent when the shadow is found to be out of step.
	Desync
	// Resync is sent when a model arrives after a desync.
	Resync
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Update:
		return "update"
	case Desync:
		return "desync"
	case Resync:
		return "resync"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to subscribers on the proxy's queue.
type Event[V any] struct {
	Kind EventKind
	View V
}

// Option configures a proxy.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	correlationID func() string
}

// WithLogger sets the proxy logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCorrelationIDs replaces the UUIDv7 correlation id source.
func WithCorrelationIDs(next func() string) Option {
	return func(o *options) {
		o.correlationID = next
	}
}

// Proxy is a consumer-side cache over an Active Store. Reads are served
// from a local shadow model; writes apply to the shadow optimistically
// and are forwarded to the store.
type Proxy[D, O, V any] struct {
	store         storage.ActiveStore[D, O]
	logger        *slog.Logger
	correlationID func() string
	queue         *dispatch.Queue

	mu         sync.Mutex
	model      crdt.Model[D, O, V]
	state      State
	everSynced bool
	syncedCh   chan struct{}
	sub        *storage.Subscription
	buffered   [][]O
	listeners  map[int]func(Event[V])
	nextID     int
}

// New subscribes a proxy to store and asks for the current model. model
// is the empty shadow.
func New[D, O, V any](ctx context.Context, store storage.ActiveStore[D, O], model crdt.Model[D, O, V], opts ...Option) (*Proxy[D, O, V], error) {
	o := options{
		logger:        slog.Default(),
		correlationID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Proxy[D, O, V]{
		store:         store,
		logger:        o.logger.With("proxy", store.Key().String()),
		correlationID: o.correlationID,
		model:         model,
		state:         NoSync,
		syncedCh:      make(chan struct{}),
		listeners:     make(map[int]func(Event[V])),
	}
	p.queue = dispatch.New("proxy "+store.Key().String(), dispatch.WithLogger(p.logger))

	p.mu.Lock()
	p.sub = store.On(p.onMessage)
	p.state = AwaitingSync
	id := p.sub.ID()
	p.mu.Unlock()

	if _, err := store.OnProxyMessage(ctx, storage.ProxyMessage[D, O]{Type: storage.SyncRequest, ID: id}); err != nil {
		p.Close()
		return nil, fmt.Errorf("request sync: %w", err)
	}
	return p, nil
}

// State returns the sync state.
func (p *Proxy[D, O, V]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Synced reports whether the shadow is in step with the store.
func (p *Proxy[D, O, V]) Synced() bool {
	return p.State() == Synced
}

// WaitSynced blocks until the proxy is synced.
func (p *Proxy[D, O, V]) WaitSynced(ctx context.Context) error {
	for {
		p.mu.Lock()
		state, ch := p.state, p.syncedCh
		p.mu.Unlock()
		switch state {
		case Synced:
			return nil
		case Closed:
			return ErrClosed
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for sync: %w", ctx.Err())
		}
	}
}

// View returns the consumer view of the shadow.
func (p *Proxy[D, O, V]) View() V {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.ConsumerView()
}

// Data returns a copy of the shadow state.
func (p *Proxy[D, O, V]) Data() D {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.Data()
}

// VersionMap returns the shadow's version map.
func (p *Proxy[D, O, V]) VersionMap() crdt.VersionMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model.VersionMap()
}

// Subscribe registers fn for events. fn runs on the proxy's queue, never
// inside a write call.
func (p *Proxy[D, O, V]) Subscribe(fn func(Event[V])) *storage.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	return storage.NewSubscription(id, p.unsubscribe)
}

func (p *Proxy[D, O, V]) unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, id)
}

// ApplyOps applies ops to the shadow and forwards them to the store. If
// the store rejects the batch the shadow is rolled back, the proxy
// desyncs and asks for a fresh model; the caller may re-issue later.
func (p *Proxy[D, O, V]) ApplyOps(ctx context.Context, ops []O) (bool, error) {
	return p.Apply(ctx, func(crdt.Model[D, O, V]) []O { return ops })
}

// Apply builds ops against the shadow and applies them as ApplyOps does.
// build runs under the proxy lock.
func (p *Proxy[D, O, V]) Apply(ctx context.Context, build func(m crdt.Model[D, O, V]) []O) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Closed:
		return false, ErrClosed
	case Synced:
	default:
		return false, ErrNotSynced
	}

	ops := build(p.model)
	if len(ops) == 0 {
		return true, nil
	}
	before := p.model.Data()
	for _, op := range ops {
		if !p.model.ApplyOperation(op) {
			p.model.Restore(before)
			return false, nil
		}
	}

	correlationID := p.correlationID()
	ok, err := p.store.OnProxyMessage(ctx, storage.ProxyMessage[D, O]{
		Type:          storage.Operations,
		Operations:    ops,
		CorrelationID: correlationID,
		ID:            p.sub.ID(),
	})
	if !ok {
		p.model.Restore(before)
		p.logger.Debug("store rejected operations", "correlation_id", correlationID, "error", err)
		p.desyncLocked(ctx)
		return false, err
	}
	p.notifyLocked(Update)
	if err != nil {
		return true, fmt.Errorf("operations %s applied but not persisted: %w", correlationID, err)
	}
	return true, nil
}

// Idle waits until queued notifications have been delivered.
func (p *Proxy[D, O, V]) Idle(ctx context.Context) error {
	return p.queue.Flush(ctx)
}

// Close unsubscribes from the store.
func (p *Proxy[D, O, V]) Close() error {
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return nil
	}
	p.state = Closed
	sub := p.sub
	p.listeners = make(map[int]func(Event[V]))
	p.wakeLocked()
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	p.queue.Close()
	return nil
}

// onMessage handles messages from the store. It runs on the store's
// delivery queue.
func (p *Proxy[D, O, V]) onMessage(msg storage.ProxyMessage[D, O]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Closed {
		return
	}

	switch msg.Type {
	case storage.ModelUpdate:
		changes := p.model.Merge(msg.Model)
		prev := p.state
		first := !p.everSynced
		p.state = Synced
		p.everSynced = true
		p.wakeLocked()

		// Batches that raced the model are usually already in it.
		for _, batch := range p.buffered {
			for _, op := range batch {
				p.model.ApplyOperation(op)
			}
		}
		p.buffered = nil

		switch {
		case first:
			p.notifyLocked(Ready)
		case prev == Desynced:
			p.notifyLocked(Resync)
		case !changes.ModelChange.IsEmpty():
			p.notifyLocked(Update)
		}

	case storage.Operations:
		if p.state != Synced {
			p.buffered = append(p.buffered, msg.Operations)
			return
		}
		before := p.model.Data()
		for _, op := range msg.Operations {
			if !p.model.ApplyOperation(op) {
				p.model.Restore(before)
				p.logger.Debug("incoming operations do not apply", "correlation_id", msg.CorrelationID)
				p.desyncLocked(context.Background())
				return
			}
		}
		p.notifyLocked(Update)

	case storage.SyncRequest:
		reply := storage.ProxyMessage[D, O]{Type: storage.ModelUpdate, Model: p.model.Data(), ID: p.sub.ID()}
		if _, err := p.store.OnProxyMessage(context.Background(), reply); err != nil {
			p.logger.Warn("sync reply failed", "error", err)
		}
	}
}

// desyncLocked marks the shadow stale and asks the store for a model.
func (p *Proxy[D, O, V]) desyncLocked(ctx context.Context) {
	if p.state != Desynced {
		p.state = Desynced
		p.syncedCh = make(chan struct{})
		p.notifyLocked(Desync)
	}
	if _, err := p.store.OnProxyMessage(ctx, storage.ProxyMessage[D, O]{Type: storage.SyncRequest, ID: p.sub.ID()}); err != nil {
		p.logger.Warn("resync request failed", "error", err)
	}
}

// wakeLocked releases WaitSynced callers.
func (p *Proxy[D, O, V]) wakeLocked() {
	select {
	case <-p.syncedCh:
	default:
		close(p.syncedCh)
	}
}

// notifyLocked queues an event with the current view.
func (p *Proxy[D, O, V]) notifyLocked(kind EventKind) {
	if len(p.listeners) == 0 {
		return
	}
	ev := Event[V]{Kind: kind, View: p.model.ConsumerView()}
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	p.queue.Enqueue(func() {
		for _, id := range ids {
			p.mu.Lock()
			fn := p.listeners[id]
			p.mu.Unlock()
			if fn != nil {
				fn(ev)
			}
		}
	})
}
