package driver

import (
	"context"
	"sync"
)

// allKeys addresses every watcher, e.g. after a listener reconnects and
// cannot tell which keys changed while it was away.
const allKeys = ""

// listenFunc opens one subscription covering every key of a backend and
// reports each change notice through deliver. ctx bounds only the setup;
// the subscription runs until stop is called.
type listenFunc func(ctx context.Context, deliver func(key string, version int)) (stop func(), err error)

// notices shares one subscription among all watchers of a backend and
// routes notices to the watchers of the named key. The subscription is
// opened by the first watcher and closed when the last one leaves.
type notices struct {
	listen listenFunc

	mu       sync.Mutex
	next     int
	watchers map[string]map[int]func(version int)
	stop     func()
}

func newNotices(listen listenFunc) *notices {
	return &notices{listen: listen, watchers: make(map[string]map[int]func(int))}
}

// watch implements watcher.
func (n *notices) watch(ctx context.Context, key string, onChange func(version int)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop == nil {
		stop, err := n.listen(ctx, n.deliver)
		if err != nil {
			return nil, err
		}
		n.stop = stop
	}
	n.next++
	id := n.next
	if n.watchers[key] == nil {
		n.watchers[key] = make(map[int]func(int))
	}
	n.watchers[key][id] = onChange

	var once sync.Once
	return func() { once.Do(func() { n.unwatch(key, id) }) }, nil
}

func (n *notices) unwatch(key string, id int) {
	n.mu.Lock()
	delete(n.watchers[key], id)
	if len(n.watchers[key]) == 0 {
		delete(n.watchers, key)
	}
	var stop func()
	if len(n.watchers) == 0 {
		stop, n.stop = n.stop, nil
	}
	n.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// deliver runs on the listener goroutine. onChange callbacks must not block.
func (n *notices) deliver(key string, version int) {
	n.mu.Lock()
	var targets []func(int)
	for k, ws := range n.watchers {
		if key != allKeys && k != key {
			continue
		}
		for _, w := range ws {
			targets = append(targets, w)
		}
	}
	n.mu.Unlock()

	for _, w := range targets {
		w(version)
	}
}

// subscriptions reports how many keys have watchers and whether the shared
// subscription is open.
func (n *notices) subscriptions() (keys int, open bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.watchers), n.stop != nil
}
