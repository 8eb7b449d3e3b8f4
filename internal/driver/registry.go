package driver

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factory opens a driver for key under the given existence mode.
type Factory func(ctx context.Context, key Key, mode ExistenceMode) (Driver, error)

// Registry maps storage key protocols to driver factories. It is an
// explicit value handed to stores; nothing registers itself globally.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds protocol to f, replacing any previous binding.
func (r *Registry) Register(protocol string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[protocol] = f
}

// Unregister removes the binding for protocol.
func (r *Registry) Unregister(protocol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, protocol)
}

// Protocols lists registered protocols in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Open resolves key's protocol and opens a driver. An unknown protocol is
// a ConfigError.
func (r *Registry) Open(ctx context.Context, key Key, mode ExistenceMode) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[key.Protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{
			Code:    ErrCodeUnsupportedProtocol,
			Message: fmt.Sprintf("no driver registered for protocol %q", key.Protocol),
			Key:     key.String(),
		}
	}
	d, err := f(ctx, key, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return d, nil
}
