package storage

import (
	"context"
	"sync"

	"github.com/roach88/replicore/internal/driver"
)

// MessageType tags a ProxyMessage.
type MessageType int

const (
	// SyncRequest asks the receiver to reply with its full model.
	SyncRequest MessageType = iota
	// ModelUpdate carries a full model.
	ModelUpdate
	// Operations carries an operation batch.
	Operations
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case SyncRequest:
		return "sync_request"
	case ModelUpdate:
		return "model_update"
	case Operations:
		return "operations"
	default:
		return "unknown"
	}
}

// ProxyMessage is exchanged between an Active Store and its proxies.
// Messages are never persisted.
type ProxyMessage[D, O any] struct {
	Type MessageType

	// Model is set on ModelUpdate.
	Model D

	// Version is the store version the message was produced at.
	Version int

	// Operations is set on Operations.
	Operations []O

	// CorrelationID ties an operation batch to the write that produced it.
	CorrelationID string

	// ID is the subscription the message came from, or is addressed to.
	ID int
}

// Callback receives messages from a store.
type Callback[D, O any] func(msg ProxyMessage[D, O])

// ActiveStore is the proxy-facing side of a store.
type ActiveStore[D, O any] interface {
	// Key returns the storage key.
	Key() driver.Key

	// On subscribes cb. The store never pushes a model on subscribe;
	// subscribers ask with SyncRequest.
	On(cb Callback[D, O]) *Subscription

	// Off removes a subscription by id.
	Off(id int)

	// OnProxyMessage handles a message from subscriber msg.ID. The bool
	// reports whether operations were applied to the canonical model.
	OnProxyMessage(ctx context.Context, msg ProxyMessage[D, O]) (bool, error)
}

// Subscription is a handle returned by On.
type Subscription struct {
	id   int
	off  func(int)
	once sync.Once
}

// NewSubscription builds a handle that calls off(id) once.
func NewSubscription(id int, off func(int)) *Subscription {
	return &Subscription{id: id, off: off}
}

// ID returns the subscription token.
func (s *Subscription) ID() int {
	return s.id
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.off(s.id) })
}
