package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/ir"
)

type (
	setData  = crdt.SetData[crdt.Primitive]
	setOp    = crdt.SetOp[crdt.Primitive]
	setStore = Direct[setData, setOp, []crdt.Primitive]
)

func str(s string) crdt.Primitive {
	return crdt.P(ir.IRString(s))
}

func newRegistry() *driver.Registry {
	reg := driver.NewRegistry()
	driver.RegisterMemory(reg, nil)
	return reg
}

func openSetStore(t *testing.T, reg *driver.Registry, key string, opts ...Option) *setStore {
	t.Helper()
	st, err := NewDirect(context.Background(), reg, driver.MustParseKey(key), driver.MayExist,
		crdt.Model[setData, setOp, []crdt.Primitive](crdt.NewSet[crdt.Primitive]()), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// addOp builds an add against the store's current clock.
func addOp(st *setStore, actor crdt.Actor, v crdt.Primitive) setOp {
	data, _ := st.Snapshot()
	return crdt.SetAdd[crdt.Primitive]{Actor: actor, Clock: data.Version.Next(actor), Added: v}
}

func viewStrings(vals []crdt.Primitive) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v.Value.(ir.IRString))
	}
	return out
}

// recorder collects messages delivered to a subscriber.
type recorder[D, O any] struct {
	mu   sync.Mutex
	msgs []ProxyMessage[D, O]
}

func (r *recorder[D, O]) callback(msg ProxyMessage[D, O]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder[D, O]) messages() []ProxyMessage[D, O] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProxyMessage[D, O](nil), r.msgs...)
}

func idle(t *testing.T, waiters ...interface{ Idle(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, w := range waiters {
		require.NoError(t, w.Idle(ctx))
	}
}

// scriptedDriver wraps a driver and overrides the outcome of the next
// sends.
type scriptedDriver struct {
	driver.Driver

	mu      sync.Mutex
	rejects int
	fails   int
	sends   int
}

var errInjected = errors.New("injected failure")

func (d *scriptedDriver) Send(ctx context.Context, data []byte, version int) (bool, error) {
	d.mu.Lock()
	d.sends++
	switch {
	case d.fails > 0:
		d.fails--
		d.mu.Unlock()
		return false, errInjected
	case d.rejects > 0:
		d.rejects--
		d.mu.Unlock()
		return false, nil
	}
	d.mu.Unlock()
	return d.Driver.Send(ctx, data, version)
}

func (d *scriptedDriver) sendCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends
}

// registerScripted binds the "scripted" protocol to memory-backed drivers
// wrapped in sd.
func registerScripted(reg *driver.Registry, sd *scriptedDriver) {
	disk := driver.NewMemoryDisk()
	reg.Register("scripted", func(ctx context.Context, key driver.Key, mode driver.ExistenceMode) (driver.Driver, error) {
		inner, err := disk.Factory()(ctx, key, mode)
		if err != nil {
			return nil, err
		}
		sd.Driver = inner
		return sd, nil
	})
}

func sortedStrings(s []string) []string {
	out := append([]string(nil), s...)
	slices.Sort(out)
	return out
}

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)
