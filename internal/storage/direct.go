package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/dispatch"
	"github.com/roach88/replicore/internal/driver"
)

// State is the lifecycle of an Active Store.
type State int

const (
	Uninitialized State = iota
	Attached
	Serving
	Disposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Attached:
		return "attached"
	case Serving:
		return "serving"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	maxRetries int
	metrics    *Metrics
	actor      crdt.Actor
}

func defaultOptions() options {
	return options{logger: slog.Default(), maxRetries: 1}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxRetries bounds push retries after a version race or driver error.
// The default is 1.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithMetrics records store activity.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithActor sets the actor a reference-mode store writes as.
func WithActor(a crdt.Actor) Option {
	return func(o *options) {
		o.actor = a
	}
}

// Direct is an Active Store: it owns the canonical model for one storage
// key, serves its proxies, and keeps the model in step with a driver.
//
// One mutex guards the model, version and subscribers. Callbacks run on the
// store's dispatch queue and never under the mutex.
type Direct[D, O, V any] struct {
	key        driver.Key
	drv        driver.Driver
	logger     *slog.Logger
	maxRetries int
	metrics    *Metrics
	queue      *dispatch.Queue

	mu      sync.Mutex
	model   crdt.Model[D, O, V]
	version int
	state   State
	subs    map[int]Callback[D, O]
	nextID  int
}

// NewDirect opens key through reg, bootstraps model from the driver and
// starts serving. model is typically empty; any state it holds is merged
// with the fetched state.
func NewDirect[D, O, V any](ctx context.Context, reg *driver.Registry, key driver.Key, mode driver.ExistenceMode, model crdt.Model[D, O, V], opts ...Option) (*Direct[D, O, V], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	drv, err := reg.Open(ctx, key, mode)
	if err != nil {
		return nil, err
	}

	s := &Direct[D, O, V]{
		key:        key,
		drv:        drv,
		logger:     o.logger.With("store", key.String()),
		maxRetries: o.maxRetries,
		metrics:    o.metrics,
		model:      model,
		state:      Attached,
		subs:       make(map[int]Callback[D, O]),
	}
	s.queue = dispatch.New("store "+key.String(), dispatch.WithLogger(s.logger))

	s.mu.Lock()
	err = s.refreshLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		s.queue.Close()
		drv.Close()
		return nil, fmt.Errorf("bootstrap %s: %w", key, err)
	}

	if err := drv.RegisterReceiver(ctx, drv.Token(), s.onReceive); err != nil {
		s.queue.Close()
		drv.Close()
		return nil, fmt.Errorf("register receiver %s: %w", key, err)
	}

	s.mu.Lock()
	s.state = Serving
	s.mu.Unlock()
	s.logger.Debug("store serving", "version", s.version)
	return s, nil
}

// Key returns the storage key.
func (s *Direct[D, O, V]) Key() driver.Key { return s.key }

// State returns the lifecycle state.
func (s *Direct[D, O, V]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the model and the store version.
func (s *Direct[D, O, V]) Snapshot() (D, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Data(), s.version
}

func (s *Direct[D, O, V]) versionMap() (int, crdt.VersionMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, s.model.VersionMap()
}

// View returns the consumer view of the model.
func (s *Direct[D, O, V]) View() V {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.ConsumerView()
}

// On subscribes cb.
func (s *Direct[D, O, V]) On(cb Callback[D, O]) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = cb
	return NewSubscription(id, s.Off)
}

// Off removes a subscription.
func (s *Direct[D, O, V]) Off(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// OnProxyMessage handles a message from subscriber msg.ID.
//
// For Operations the bool reports whether the batch was applied to the
// canonical model; a non-nil error after true means the batch applied but
// could not be persisted.
func (s *Direct[D, O, V]) OnProxyMessage(ctx context.Context, msg ProxyMessage[D, O]) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disposed {
		return false, s.disposedError()
	}

	switch msg.Type {
	case Operations:
		return s.applyLocked(ctx, msg.Operations, msg.CorrelationID, msg.ID)

	case ModelUpdate:
		changes := s.model.Merge(msg.Model)
		s.metrics.merge(s.key.String(), "proxy")
		s.metrics.message(s.key.String(), msg.Type, true)
		if changes.ModelChange.IsEmpty() {
			return true, nil
		}
		s.fanout(s.othersLocked(msg.ID), ProxyMessage[D, O]{
			Type:    ModelUpdate,
			Model:   s.model.Data(),
			Version: s.version,
			ID:      msg.ID,
		})
		return true, s.pushLocked(ctx)

	case SyncRequest:
		s.metrics.message(s.key.String(), msg.Type, true)
		s.fanout([]int{msg.ID}, ProxyMessage[D, O]{
			Type:    ModelUpdate,
			Model:   s.model.Data(),
			Version: s.version,
			ID:      msg.ID,
		})
		return true, nil

	default:
		return false, fmt.Errorf("unknown message type %d", msg.Type)
	}
}

// Update builds an operation batch against the current model and applies
// it as if a subscriber with no id had sent it. build runs under the store
// lock and must not call back into the store.
func (s *Direct[D, O, V]) Update(ctx context.Context, build func(m crdt.Model[D, O, V]) []O) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disposed {
		return false, s.disposedError()
	}
	ops := build(s.model)
	if len(ops) == 0 {
		return true, nil
	}
	return s.applyLocked(ctx, ops, "", 0)
}

// Idle waits until every queued delivery has run.
func (s *Direct[D, O, V]) Idle(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// Close disposes the store and its driver. Queued deliveries still run.
func (s *Direct[D, O, V]) Close() error {
	s.mu.Lock()
	if s.state == Disposed {
		s.mu.Unlock()
		return nil
	}
	s.state = Disposed
	s.subs = make(map[int]Callback[D, O])
	s.mu.Unlock()

	err := s.drv.Close()
	s.queue.Close()
	return err
}

// applyLocked applies ops as one batch. A failing op rolls the model back
// and nothing is fanned out or pushed.
func (s *Direct[D, O, V]) applyLocked(ctx context.Context, ops []O, correlationID string, from int) (bool, error) {
	before := s.model.Data()
	for i, op := range ops {
		if !s.model.ApplyOperation(op) {
			s.model.Restore(before)
			s.metrics.message(s.key.String(), Operations, false)
			s.logger.Debug("operations rejected", "index", i, "count", len(ops), "correlation_id", correlationID)
			return false, nil
		}
	}
	s.metrics.message(s.key.String(), Operations, true)

	s.fanout(s.othersLocked(from), ProxyMessage[D, O]{
		Type:          Operations,
		Operations:    slices.Clone(ops),
		Version:       s.version,
		CorrelationID: correlationID,
		ID:            from,
	})
	return true, s.pushLocked(ctx)
}

// pushLocked sends the model at version+1. A lost race fetches and merges
// before retrying; driver errors are retried under the same bound.
func (s *Direct[D, O, V]) pushLocked(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		data, err := json.Marshal(s.model.Data())
		if err != nil {
			return fmt.Errorf("encode model: %w", err)
		}

		timer := s.metrics.pushTimer(s.key.String())
		ok, err := s.drv.Send(ctx, data, s.version+1)
		timer.ObserveDuration()

		if err == nil && ok {
			s.version++
			s.metrics.push(s.key.String(), "ok")
			s.logger.Debug("store push", "version", s.version)
			return nil
		}

		if err != nil {
			s.metrics.push(s.key.String(), "error")
			s.logger.Warn("store push failed", "version", s.version+1, "attempt", attempt, "error", err)
			if attempt >= s.maxRetries {
				return &StoreError{Code: ErrCodeDriverFailure, Message: "send failed", Key: s.key.String(), Err: err}
			}
			continue
		}

		s.metrics.push(s.key.String(), "race")
		s.logger.Debug("store push lost race", "version", s.version+1, "attempt", attempt)
		if attempt >= s.maxRetries {
			return &StoreError{
				Code:    ErrCodeVersionRace,
				Message: fmt.Sprintf("version %d taken after %d retries", s.version+1, s.maxRetries),
				Key:     s.key.String(),
			}
		}
		if err := s.refreshLocked(ctx); err != nil {
			return err
		}
	}
}

// refreshLocked fetches the driver's state and merges it. Model changes
// are fanned out to every subscriber.
func (s *Direct[D, O, V]) refreshLocked(ctx context.Context) error {
	data, version, err := s.drv.Fetch(ctx)
	if err != nil {
		return &StoreError{Code: ErrCodeDriverFailure, Message: "fetch failed", Key: s.key.String(), Err: err}
	}
	if version > s.version {
		s.version = version
	}
	if len(data) == 0 {
		return nil
	}
	var fetched D
	if err := json.Unmarshal(data, &fetched); err != nil {
		return fmt.Errorf("decode model at version %d: %w", version, err)
	}
	changes := s.model.Merge(fetched)
	s.metrics.merge(s.key.String(), "fetch")
	if !changes.ModelChange.IsEmpty() {
		s.fanout(s.othersLocked(0), ProxyMessage[D, O]{
			Type:    ModelUpdate,
			Model:   s.model.Data(),
			Version: s.version,
		})
	}
	return nil
}

// onReceive merges a model delivered by the driver. It runs on the
// driver's queue.
func (s *Direct[D, O, V]) onReceive(data []byte, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Disposed {
		return
	}
	var incoming D
	if err := json.Unmarshal(data, &incoming); err != nil {
		s.logger.Warn("dropping undecodable model", "version", version, "error", err)
		return
	}
	if version > s.version {
		s.version = version
	}

	changes := s.model.Merge(incoming)
	s.metrics.merge(s.key.String(), "driver")
	if !changes.ModelChange.IsEmpty() {
		s.fanout(s.othersLocked(0), ProxyMessage[D, O]{
			Type:    ModelUpdate,
			Model:   s.model.Data(),
			Version: s.version,
		})
	}
	if !changes.OtherChange.IsEmpty() {
		if err := s.pushLocked(context.Background()); err != nil {
			s.logger.Warn("push back after driver update failed", "error", err)
		}
	}
}

// othersLocked lists subscriber ids other than except, in id order.
func (s *Direct[D, O, V]) othersLocked(except int) []int {
	ids := make([]int, 0, len(s.subs))
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		if id != except {
			ids = append(ids, id)
		}
	}
	return ids
}

// fanout queues msg for each subscriber in ids. A subscriber removed
// before delivery is skipped.
func (s *Direct[D, O, V]) fanout(ids []int, msg ProxyMessage[D, O]) {
	if len(ids) == 0 {
		return
	}
	s.queue.Enqueue(func() {
		for _, id := range ids {
			s.mu.Lock()
			cb := s.subs[id]
			s.mu.Unlock()
			if cb != nil {
				cb(msg)
			}
		}
	})
}

func (s *Direct[D, O, V]) disposedError() error {
	return &StoreError{Code: ErrCodeDisposed, Message: "store is closed", Key: s.key.String()}
}
