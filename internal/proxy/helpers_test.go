package proxy

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/ir"
	"github.com/roach88/replicore/internal/storage"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type (
	setData = crdt.SetData[crdt.Primitive]
	setOp   = crdt.SetOp[crdt.Primitive]
)

func str(s string) crdt.Primitive {
	return crdt.P(ir.IRString(s))
}

func strs(vals []crdt.Primitive) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v.Value.(ir.IRString))
	}
	return out
}

// openStore returns a Direct set store on a fresh volatile registry.
func openStore(t *testing.T) *storage.Direct[setData, setOp, []crdt.Primitive] {
	t.Helper()
	reg := driver.NewRegistry()
	driver.RegisterMemory(reg, nil)
	st, err := storage.NewDirect(context.Background(), reg, driver.MustParseKey("volatile://things"), driver.MayExist,
		crdt.Model[setData, setOp, []crdt.Primitive](crdt.NewSet[crdt.Primitive]()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func openCollection(t *testing.T, store storage.ActiveStore[setData, setOp], actor crdt.Actor, opts ...Option) *CollectionHandle[crdt.Primitive] {
	t.Helper()
	h, err := NewCollection[crdt.Primitive](context.Background(), store, actor, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	waitSynced(t, h)
	return h
}

func waitSynced(t *testing.T, w interface{ WaitSynced(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, w.WaitSynced(ctx))
}

// sequentialIDs yields "1", "2", ... as correlation ids.
func sequentialIDs(start int) func() string {
	var mu sync.Mutex
	n := start - 1
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return strconv.Itoa(n)
	}
}

// events records proxy events.
type events[V any] struct {
	mu  sync.Mutex
	got []Event[V]
}

func (e *events[V]) record(ev Event[V]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events[V]) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventKind, len(e.got))
	for i, ev := range e.got {
		out[i] = ev.Kind
	}
	return out
}

func (e *events[V]) last() Event[V] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.got[len(e.got)-1]
}

// fakeStore is an ActiveStore the test drives by hand.
type fakeStore struct {
	mu     sync.Mutex
	cb     storage.Callback[setData, setOp]
	sent   []storage.ProxyMessage[setData, setOp]
	reject bool
}

func (f *fakeStore) Key() driver.Key { return driver.MustParseKey("volatile://fake") }

func (f *fakeStore) On(cb storage.Callback[setData, setOp]) *storage.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	return storage.NewSubscription(1, f.Off)
}

func (f *fakeStore) Off(int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = nil
}

func (f *fakeStore) OnProxyMessage(_ context.Context, msg storage.ProxyMessage[setData, setOp]) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if msg.Type == storage.Operations && f.reject {
		return false, nil
	}
	return true, nil
}

func (f *fakeStore) deliver(msg storage.ProxyMessage[setData, setOp]) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (f *fakeStore) sentTypes() []storage.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.MessageType, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Type
	}
	return out
}

func (f *fakeStore) lastSent() storage.ProxyMessage[setData, setOp] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// modelWith returns set state holding vals, each added by actor "m".
func modelWith(vals ...string) setData {
	s := crdt.NewSet[crdt.Primitive]()
	for _, v := range vals {
		s.ApplyOperation(crdt.SetAdd[crdt.Primitive]{Actor: "m", Clock: s.VersionMap().Next("m"), Added: str(v)})
	}
	return s.Data()
}

// recorderCB collects store messages for a plain subscriber.
type recorderCB struct {
	mu   sync.Mutex
	msgs []storage.ProxyMessage[setData, setOp]
}

func (r *recorderCB) callback(msg storage.ProxyMessage[setData, setOp]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorderCB) messages() []storage.ProxyMessage[setData, setOp] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.ProxyMessage[setData, setOp](nil), r.msgs...)
}

func sortStrings(s []string) []string {
	out := append([]string(nil), s...)
	slices.Sort(out)
	return out
}
