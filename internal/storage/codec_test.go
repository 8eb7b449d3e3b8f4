package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/crdt"
)

func TestMessageCodec_Operations(t *testing.T) {
	codec := SetMessageCodec[crdt.Primitive]()
	msg := ProxyMessage[setData, setOp]{
		Type:          Operations,
		Operations:    []setOp{crdt.SetAdd[crdt.Primitive]{Actor: "p1", Clock: crdt.VersionMap{"p1": 1}, Added: str("e1")}},
		CorrelationID: "7",
		Version:       3,
		ID:            2,
	}

	data, err := codec.Encode(msg)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "operations", env["type"])
	assert.Equal(t, "7", env["correlation_id"])

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Operations, got.Type)
	assert.Equal(t, "7", got.CorrelationID)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, 2, got.ID)
	require.Len(t, got.Operations, 1)
	add, ok := got.Operations[0].(crdt.SetAdd[crdt.Primitive])
	require.True(t, ok)
	assert.Equal(t, crdt.Actor("p1"), add.Actor)
	assert.Equal(t, str("e1").RefID(), add.Added.RefID())
}

func TestMessageCodec_ModelUpdate(t *testing.T) {
	codec := EntityMessageCodec()
	e := crdt.NewEntity(personSchema)
	e.ApplyOperation(crdt.EntitySet{Actor: "a", Clock: crdt.VersionMap{"a": 1}, Field: "name", Value: str("x")})

	data, err := codec.Encode(ProxyMessage[crdt.EntityData, crdt.EntityOp]{Type: ModelUpdate, Model: e.Data(), Version: 1})
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Model.Equal(e.Data()))
}

func TestMessageCodec_SyncRequest(t *testing.T) {
	codec := SingletonMessageCodec[crdt.Primitive]()
	data, err := codec.Encode(ProxyMessage[setData, crdt.SingletonOp[crdt.Primitive]]{Type: SyncRequest, ID: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sync_request","id":4}`, string(data))
}

func TestMessageCodec_DecodeErrors(t *testing.T) {
	codec := SetMessageCodec[crdt.Primitive]()
	for name, frame := range map[string]string{
		"not json":       `{`,
		"unknown type":   `{"type":"gossip"}`,
		"missing model":  `{"type":"model_update"}`,
		"bad operations": `{"type":"operations","operations":[{"type":"teleport"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode([]byte(frame))
			assert.Error(t, err)
		})
	}
}
