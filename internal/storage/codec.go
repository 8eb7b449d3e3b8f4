package storage

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/replicore/internal/crdt"
)

// Envelope is the JSON frame for a ProxyMessage. Type is the
// MessageType name; transports may define extra frame types of their own.
type Envelope struct {
	Type          string          `json:"type"`
	Model         json.RawMessage `json:"model,omitempty"`
	Version       int             `json:"version,omitempty"`
	Operations    json.RawMessage `json:"operations,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ID            int             `json:"id,omitempty"`
	OK            bool            `json:"ok,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ParseMessageType is the inverse of MessageType.String.
func ParseMessageType(s string) (MessageType, error) {
	for _, t := range []MessageType{SyncRequest, ModelUpdate, Operations} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

// MessageCodec converts ProxyMessages to and from envelopes. Models are
// plain JSON; operations go through the kind's OpCodec.
type MessageCodec[D, O any] struct {
	Ops crdt.OpCodec[O]
}

// NewMessageCodec returns a codec using ops for operation batches.
func NewMessageCodec[D, O any](ops crdt.OpCodec[O]) MessageCodec[D, O] {
	return MessageCodec[D, O]{Ops: ops}
}

// ToEnvelope encodes msg.
func (c MessageCodec[D, O]) ToEnvelope(msg ProxyMessage[D, O]) (Envelope, error) {
	env := Envelope{
		Type:          msg.Type.String(),
		Version:       msg.Version,
		CorrelationID: msg.CorrelationID,
		ID:            msg.ID,
	}
	switch msg.Type {
	case ModelUpdate:
		model, err := json.Marshal(msg.Model)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode model: %w", err)
		}
		env.Model = model
	case Operations:
		ops, err := c.Ops.EncodeOps(msg.Operations)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode operations: %w", err)
		}
		env.Operations = ops
	case SyncRequest:
	default:
		return Envelope{}, fmt.Errorf("unknown message type %d", msg.Type)
	}
	return env, nil
}

// FromEnvelope decodes env.
func (c MessageCodec[D, O]) FromEnvelope(env Envelope) (ProxyMessage[D, O], error) {
	t, err := ParseMessageType(env.Type)
	if err != nil {
		return ProxyMessage[D, O]{}, err
	}
	msg := ProxyMessage[D, O]{
		Type:          t,
		Version:       env.Version,
		CorrelationID: env.CorrelationID,
		ID:            env.ID,
	}
	switch t {
	case ModelUpdate:
		if len(env.Model) == 0 {
			return ProxyMessage[D, O]{}, fmt.Errorf("model_update without model")
		}
		if err := json.Unmarshal(env.Model, &msg.Model); err != nil {
			return ProxyMessage[D, O]{}, fmt.Errorf("decode model: %w", err)
		}
	case Operations:
		ops, err := c.Ops.DecodeOps(env.Operations)
		if err != nil {
			return ProxyMessage[D, O]{}, fmt.Errorf("decode operations: %w", err)
		}
		msg.Operations = ops
	}
	return msg, nil
}

// Encode returns the JSON frame for msg.
func (c MessageCodec[D, O]) Encode(msg ProxyMessage[D, O]) ([]byte, error) {
	env, err := c.ToEnvelope(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses a JSON frame.
func (c MessageCodec[D, O]) Decode(data []byte) (ProxyMessage[D, O], error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ProxyMessage[D, O]{}, fmt.Errorf("decode envelope: %w", err)
	}
	return c.FromEnvelope(env)
}

// SetMessageCodec returns the codec for Set stores over T.
func SetMessageCodec[T crdt.Referenceable]() MessageCodec[crdt.SetData[T], crdt.SetOp[T]] {
	return NewMessageCodec[crdt.SetData[T]](crdt.SetOpCodec[T]())
}

// SingletonMessageCodec returns the codec for Singleton stores over T.
func SingletonMessageCodec[T crdt.Referenceable]() MessageCodec[crdt.SetData[T], crdt.SingletonOp[T]] {
	return NewMessageCodec[crdt.SetData[T]](crdt.SingletonOpCodec[T]())
}

// EntityMessageCodec returns the codec for Entity stores.
func EntityMessageCodec() MessageCodec[crdt.EntityData, crdt.EntityOp] {
	return NewMessageCodec[crdt.EntityData](crdt.EntityOpCodec())
}
