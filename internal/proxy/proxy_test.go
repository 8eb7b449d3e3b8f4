package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/storage"
)

func TestProxy_SyncsOnOpen(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	_, err := st.Update(ctx, func(m crdt.Model[setData, setOp, []crdt.Primitive]) []setOp {
		return []setOp{crdt.SetAdd[crdt.Primitive]{Actor: "s", Clock: m.VersionMap().Next("s"), Added: str("a")}}
	})
	require.NoError(t, err)

	p, err := NewCollection[crdt.Primitive](ctx, st, "p1")
	require.NoError(t, err)
	defer p.Close()

	waitSynced(t, p)
	assert.Equal(t, Synced, p.State())
	assert.Equal(t, []string{"a"}, strs(p.FetchAll()))
	assert.Equal(t, 1, p.Size())
	assert.False(t, p.IsEmpty())
}

func TestProxy_ReadyOnFirstModel(t *testing.T) {
	fs := &fakeStore{}
	h, err := NewCollection[crdt.Primitive](context.Background(), fs, "p1")
	require.NoError(t, err)
	defer h.Close()
	var ev events[[]crdt.Primitive]
	h.Subscribe(ev.record)

	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a")})
	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a")})
	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a", "b")})
	require.NoError(t, h.Idle(context.Background()))

	// An unchanged model raises nothing.
	assert.Equal(t, []EventKind{Ready, Update}, ev.kinds())
	assert.Equal(t, []string{"a", "b"}, sortStrings(strs(ev.last().View)))
}

func TestProxy_OperationsReachOtherProxies(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	writer := openCollection(t, st, "p1", WithCorrelationIDs(sequentialIDs(7)))
	reader := openCollection(t, st, "p2")
	var ev events[[]crdt.Primitive]
	reader.Subscribe(ev.record)

	var seen recorderCB
	st.On(seen.callback)

	ok, err := writer.Add(ctx, str("e1"))
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return len(reader.FetchAll()) == 1
	}, timeout, tick)
	require.NoError(t, st.Idle(ctx))
	require.NoError(t, reader.Idle(ctx))

	assert.Equal(t, []string{"e1"}, strs(reader.FetchAll()))
	assert.Equal(t, Update, ev.last().Kind)
	assert.Equal(t, []string{"e1"}, strs(ev.last().View))

	// Observers see the batch with its correlation id.
	msgs := seen.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, storage.Operations, msgs[0].Type)
	assert.Equal(t, "7", msgs[0].CorrelationID)

	_, version := st.Snapshot()
	assert.Equal(t, 1, version)
}

func TestProxy_LocalFailureIsNotForwarded(t *testing.T) {
	fs := &fakeStore{}
	p, err := New(context.Background(), storage.ActiveStore[setData, setOp](fs), crdt.Model[setData, setOp, []crdt.Primitive](crdt.NewSet[crdt.Primitive]()))
	require.NoError(t, err)
	defer p.Close()
	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a")})

	gap := crdt.SetAdd[crdt.Primitive]{Actor: "p", Clock: crdt.VersionMap{"p": 4}, Added: str("b")}
	ok, err := p.ApplyOps(context.Background(), []setOp{gap})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []storage.MessageType{storage.SyncRequest}, fs.sentTypes())
	assert.Equal(t, Synced, p.State())
}

func TestProxy_StoreRejectionRollsBackAndResyncs(t *testing.T) {
	fs := &fakeStore{reject: true}
	h, err := NewCollection[crdt.Primitive](context.Background(), fs, "p1")
	require.NoError(t, err)
	defer h.Close()
	var ev events[[]crdt.Primitive]
	h.Subscribe(ev.record)

	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a")})

	ok, err := h.Add(context.Background(), str("b"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, strs(h.FetchAll()), "optimistic write is discarded")
	assert.Equal(t, Desynced, h.State())
	assert.Equal(t, []storage.MessageType{storage.SyncRequest, storage.Operations, storage.SyncRequest}, fs.sentTypes())

	_, err = h.Add(context.Background(), str("c"))
	assert.ErrorIs(t, err, ErrNotSynced)

	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a", "z")})
	assert.Equal(t, Synced, h.State())
	require.NoError(t, h.Idle(context.Background()))
	assert.Equal(t, []EventKind{Ready, Desync, Resync}, ev.kinds())
	assert.Equal(t, []string{"a", "z"}, sortStrings(strs(h.FetchAll())))
}

func TestProxy_WritesBeforeSyncAreRefused(t *testing.T) {
	fs := &fakeStore{}
	h, err := NewCollection[crdt.Primitive](context.Background(), fs, "p1")
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, AwaitingSync, h.State())
	_, err = h.Add(context.Background(), str("a"))
	assert.ErrorIs(t, err, ErrNotSynced)
}

func TestProxy_BuffersOperationsUntilSynced(t *testing.T) {
	fs := &fakeStore{}
	h, err := NewCollection[crdt.Primitive](context.Background(), fs, "p1")
	require.NoError(t, err)
	defer h.Close()

	// An op that arrives before the model is held, then replayed.
	base := modelWith("a")
	late := crdt.SetAdd[crdt.Primitive]{Actor: "m", Clock: base.Version.Next("m"), Added: str("b")}
	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.Operations, Operations: []setOp{late}})
	assert.Empty(t, h.FetchAll())

	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: base})
	assert.Equal(t, []string{"a", "b"}, sortStrings(strs(h.FetchAll())))
}

func TestProxy_IncomingGapDesyncs(t *testing.T) {
	fs := &fakeStore{}
	h, err := NewCollection[crdt.Primitive](context.Background(), fs, "p1")
	require.NoError(t, err)
	defer h.Close()
	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a")})

	gap := crdt.SetAdd[crdt.Primitive]{Actor: "other", Clock: crdt.VersionMap{"other": 3}, Added: str("x")}
	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.Operations, Operations: []setOp{gap}})

	assert.Equal(t, Desynced, h.State())
	assert.Equal(t, storage.SyncRequest, fs.lastSent().Type)
	assert.Equal(t, []string{"a"}, strs(h.FetchAll()))
}

func TestProxy_AnswersStoreSyncRequest(t *testing.T) {
	fs := &fakeStore{}
	h, err := NewCollection[crdt.Primitive](context.Background(), fs, "p1")
	require.NoError(t, err)
	defer h.Close()
	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.ModelUpdate, Model: modelWith("a", "b")})

	fs.deliver(storage.ProxyMessage[setData, setOp]{Type: storage.SyncRequest})
	reply := fs.lastSent()
	assert.Equal(t, storage.ModelUpdate, reply.Type)
	assert.Len(t, reply.Model.Values, 2)
}

func TestProxy_Close(t *testing.T) {
	st := openStore(t)
	h := openCollection(t, st, "p1")
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.Equal(t, Closed, h.State())
	_, err := h.Add(context.Background(), str("a"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.WaitSynced(context.Background()), ErrClosed)
}

func TestProxy_UnsubscribeStopsEvents(t *testing.T) {
	st := openStore(t)
	h := openCollection(t, st, "p1")
	var ev events[[]crdt.Primitive]
	sub := h.Subscribe(ev.record)
	sub.Unsubscribe()

	_, err := h.Add(context.Background(), str("a"))
	require.NoError(t, err)
	require.NoError(t, h.Idle(context.Background()))
	assert.Empty(t, ev.kinds())
}
