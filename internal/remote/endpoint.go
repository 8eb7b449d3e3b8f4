package remote

import (
	"context"
	"fmt"

	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/storage"
)

// FrameAck is the frame type acknowledging an operations frame.
const FrameAck = "ack"

// Endpoint is an Active Store with its messages erased to envelopes, so
// one server can host stores of every kind.
type Endpoint interface {
	// Key returns the storage key.
	Key() driver.Key

	// Attach subscribes send and returns the subscription id and a detach
	// function. send runs on the store's delivery queue.
	Attach(send func(storage.Envelope)) (int, func())

	// Handle decodes env and passes it to the store as subscriber id.
	Handle(ctx context.Context, id int, env storage.Envelope) (bool, error)
}

type storeEndpoint[D, O any] struct {
	store storage.ActiveStore[D, O]
	codec storage.MessageCodec[D, O]
}

// NewEndpoint wraps store using codec for its frames.
func NewEndpoint[D, O any](store storage.ActiveStore[D, O], codec storage.MessageCodec[D, O]) Endpoint {
	return &storeEndpoint[D, O]{store: store, codec: codec}
}

func (e *storeEndpoint[D, O]) Key() driver.Key { return e.store.Key() }

// Rekey serves ep under key instead of its store's own key, e.g. a
// reference-mode container under the composite key.
func Rekey(ep Endpoint, key driver.Key) Endpoint {
	return rekeyed{Endpoint: ep, key: key}
}

type rekeyed struct {
	Endpoint
	key driver.Key
}

func (r rekeyed) Key() driver.Key { return r.key }

func (e *storeEndpoint[D, O]) Attach(send func(storage.Envelope)) (int, func()) {
	sub := e.store.On(func(msg storage.ProxyMessage[D, O]) {
		env, err := e.codec.ToEnvelope(msg)
		if err != nil {
			send(storage.Envelope{Type: "error", Error: err.Error()})
			return
		}
		send(env)
	})
	return sub.ID(), sub.Unsubscribe
}

func (e *storeEndpoint[D, O]) Handle(ctx context.Context, id int, env storage.Envelope) (bool, error) {
	msg, err := e.codec.FromEnvelope(env)
	if err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	msg.ID = id
	return e.store.OnProxyMessage(ctx, msg)
}
