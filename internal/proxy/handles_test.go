package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/ir"
	"github.com/roach88/replicore/internal/storage"
)

func TestCollectionHandle_AddRemoveClear(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	h := openCollection(t, st, "p1")

	for _, v := range []string{"a", "b", "c"} {
		ok, err := h.Add(ctx, str(v))
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 3, h.Size())

	ok, err := h.Remove(ctx, str("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "c"}, sortStrings(strs(h.FetchAll())))

	ok, err = h.Remove(ctx, str("missing"))
	require.NoError(t, err)
	assert.True(t, ok, "removing an absent value is a no-op")

	ok, err = h.Clear(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.IsEmpty())
	assert.Empty(t, st.View())
}

func TestCollectionHandle_ConcurrentAddWins(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	alice := openCollection(t, st, "alice")
	bob := openCollection(t, st, "bob")

	_, err := alice.Add(ctx, str("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.Size() == 1 }, timeout, tick)

	// Bob clears what he has seen; Alice re-adds concurrently through the store.
	_, err = bob.Clear(ctx)
	require.NoError(t, err)
	_, err = alice.Add(ctx, str("y"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.Size() == 1 && bob.Size() == 1
	}, timeout, tick)
	assert.Equal(t, []string{"y"}, strs(st.View()))
}

func TestSingletonHandle_AliceBob(t *testing.T) {
	reg := driver.NewRegistry()
	driver.RegisterMemory(reg, nil)
	ctx := context.Background()
	st, err := storage.NewDirect(ctx, reg, driver.MustParseKey("volatile://name"), driver.MayExist,
		crdt.Model[setData, crdt.SingletonOp[crdt.Primitive], *crdt.Primitive](crdt.NewSingleton[crdt.Primitive]()))
	require.NoError(t, err)
	defer st.Close()

	alice, err := NewSingleton[crdt.Primitive](ctx, st, "alice")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := NewSingleton[crdt.Primitive](ctx, st, "bob")
	require.NoError(t, err)
	defer bob.Close()
	waitSynced(t, alice)
	waitSynced(t, bob)

	ok, err := alice.Set(ctx, str("Alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		v := bob.Get()
		return v != nil && v.Value == ir.IRString("Alice")
	}, timeout, tick)

	ok, err = bob.Set(ctx, str("Bob"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		v := alice.Get()
		return v != nil && v.Value == ir.IRString("Bob")
	}, timeout, tick)

	ok, err = alice.Clear(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool { return bob.Get() == nil }, timeout, tick)
	assert.Nil(t, st.View())
}

var noteSchema = crdt.Schema{Name: "Note", Singletons: []string{"title"}, Collections: []string{"tags"}}

func TestEntityHandle_FieldOps(t *testing.T) {
	reg := driver.NewRegistry()
	driver.RegisterMemory(reg, nil)
	ctx := context.Background()
	backing := storage.NewBacking(reg, driver.MustParseKey("volatile://notes"), noteSchema, "server")
	defer backing.Close()
	st, err := backing.Entity(ctx, "n1")
	require.NoError(t, err)

	h, err := NewEntity(ctx, st, "n1", noteSchema, "writer")
	require.NoError(t, err)
	defer h.Close()
	waitSynced(t, h)

	ok, err := h.SetField(ctx, "title", ir.IRString("groceries"))
	require.NoError(t, err)
	require.True(t, ok)
	for _, tag := range []string{"home", "todo"} {
		ok, err = h.AddToField(ctx, "tags", ir.IRString(tag))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err = h.RemoveFromField(ctx, "tags", ir.IRString("home"))
	require.NoError(t, err)
	require.True(t, ok)

	e := h.Entity()
	assert.Equal(t, "n1", e.ID)
	assert.Equal(t, ir.IRString("groceries"), e.Singletons["title"])
	assert.Equal(t, ir.IRArray{ir.IRString("todo")}, e.Collections["tags"])

	// The backing store sees the same entity.
	got, _, err := backing.Get(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, got.Equal(e))

	ok, err = h.ClearField(ctx, "title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, h.Entity().Singletons["title"])

	// Wrong-kind fields are rejected locally.
	ok, err = h.AddToField(ctx, "title", ir.IRString("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.SetField(ctx, "nope", ir.IRString("x"))
	assert.Error(t, err)
}

func TestCollectionHandle_OverReferenceContainer(t *testing.T) {
	reg := driver.NewRegistry()
	driver.RegisterMemory(reg, nil)
	ctx := context.Background()
	key := driver.ReferenceModeKey{
		Backing:   driver.MustParseKey("volatile://people"),
		Container: driver.MustParseKey("volatile://friends"),
	}.Key()
	rm, err := storage.NewRefModeCollection(ctx, reg, key, driver.MayExist, noteSchema, storage.WithActor("server"))
	require.NoError(t, err)
	defer rm.Close()

	h, err := NewCollection[crdt.Reference](ctx, rm.Container(), "viewer")
	require.NoError(t, err)
	defer h.Close()
	waitSynced(t, h)

	_, err = rm.Store(ctx, crdt.RawEntity{ID: "n1", Singletons: ir.IRObject{"title": ir.IRString("hi")}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.Size() == 1 }, timeout, tick)
	ref := h.FetchAll()[0]
	e, res, err := rm.Dereference(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, storage.Resolved, res)
	assert.Equal(t, ir.IRString("hi"), e.Singletons["title"])
}
