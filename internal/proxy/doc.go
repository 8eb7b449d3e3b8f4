// Package proxy implements the consumer side of the sync protocol.
//
// A Proxy keeps a shadow copy of an Active Store's model. Reads are pure
// projections of the shadow. Writes apply to the shadow first and are
// then forwarded to the store with a fresh correlation id; a rejected
// write rolls the shadow back and triggers a resync. Subscribers are
// notified on the proxy's own queue, never from inside a write call.
//
// CollectionHandle, SingletonHandle and EntityHandle wrap a Proxy with
// typed operations that build correctly clocked ops from the shadow.
package proxy
