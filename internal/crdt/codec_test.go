package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/ir"
)

func TestSetOpCodec_RoundTripsEveryVariant(t *testing.T) {
	codec := SetOpCodec[Reference]()
	ref := Reference{ID: "e1", StorageKey: "volatile://backing", Version: VersionMap{"A": 2}}
	ops := []SetOp[Reference]{
		SetAdd[Reference]{Actor: "A", Clock: VersionMap{"A": 1}, Added: ref},
		SetRemove[Reference]{Actor: "A", Clock: VersionMap{"A": 1}, Removed: ref},
		SetClear[Reference]{Actor: "B", Clock: VersionMap{"A": 1}},
		SetFastForward[Reference]{
			OldClock: VersionMap{"A": 1},
			NewClock: VersionMap{"A": 1, "B": 1},
			Added:    []SetEntry[Reference]{{Dots: map[Actor]Dot[Reference]{"B": {Counter: 1, Value: ref}}}},
			Removed:  []Reference{{ID: "e0"}},
		},
	}

	raw, err := codec.EncodeOps(ops)
	require.NoError(t, err)
	decoded, err := codec.DecodeOps(raw)
	require.NoError(t, err)

	assert.Equal(t, ops, decoded)
}

func TestEntityOpCodec_RoundTripsPayloads(t *testing.T) {
	codec := EntityOpCodec()
	ops := []EntityOp{
		EntitySet{Actor: "A", Clock: VersionMap{"A": 1}, Field: "name", Value: P(ir.IRObject{"first": ir.IRString("x")})},
		EntityClear{Actor: "A", Clock: VersionMap{"A": 1}, Field: "name"},
		EntityAdd{Actor: "A", Clock: VersionMap{"A": 2}, Field: "tags", Added: P(ir.IRInt(7))},
		EntityRemove{Actor: "A", Clock: VersionMap{"A": 2}, Field: "tags", Removed: P(ir.IRInt(7))},
		EntityClearAll{Actor: "A", Clock: VersionMap{"A": 2}},
	}

	for _, op := range ops {
		data, err := codec.Encode(op)
		require.NoError(t, err)
		back, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, op, back)
	}
}

func TestSingletonOpCodec_RejectsUnknownType(t *testing.T) {
	_, err := SingletonOpCodec[Primitive]().Decode([]byte(`{"type":"explode"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explode")
}
