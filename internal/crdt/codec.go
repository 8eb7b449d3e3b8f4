package crdt

import (
	"encoding/json"
	"fmt"
)

// Wire tags for operation envelopes.
const (
	opAdd         = "add"
	opRemove      = "remove"
	opClear       = "clear"
	opFastForward = "fast_forward"
	opUpdate      = "update"
	opSet         = "set"
	opClearAll    = "clear_all"
)

// opEnvelope is the JSON form of every operation variant. Fields unused by
// a variant are omitted.
type opEnvelope struct {
	Type     string          `json:"type"`
	Actor    Actor           `json:"actor,omitempty"`
	Clock    VersionMap      `json:"clock,omitempty"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	OldClock VersionMap      `json:"old_clock,omitempty"`
	NewClock VersionMap      `json:"new_clock,omitempty"`
	Added    json.RawMessage `json:"added,omitempty"`
	Removed  json.RawMessage `json:"removed,omitempty"`
}

// OpCodec encodes one kind's operations for the wire.
type OpCodec[O any] struct {
	Encode func(O) ([]byte, error)
	Decode func([]byte) (O, error)
}

// EncodeOps encodes a batch as a JSON array of envelopes.
func (c OpCodec[O]) EncodeOps(ops []O) (json.RawMessage, error) {
	raw := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		data, err := c.Encode(op)
		if err != nil {
			return nil, fmt.Errorf("op[%d]: %w", i, err)
		}
		raw[i] = data
	}
	return json.Marshal(raw)
}

// DecodeOps decodes a JSON array of envelopes.
func (c OpCodec[O]) DecodeOps(data json.RawMessage) ([]O, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode op batch: %w", err)
	}
	ops := make([]O, len(raw))
	for i, r := range raw {
		op, err := c.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("op[%d]: %w", i, err)
		}
		ops[i] = op
	}
	return ops, nil
}

// SetOpCodec returns the codec for Set operations over T.
func SetOpCodec[T Referenceable]() OpCodec[SetOp[T]] {
	return OpCodec[SetOp[T]]{Encode: encodeSetOp[T], Decode: decodeSetOp[T]}
}

// SingletonOpCodec returns the codec for Singleton operations over T.
func SingletonOpCodec[T Referenceable]() OpCodec[SingletonOp[T]] {
	return OpCodec[SingletonOp[T]]{Encode: encodeSingletonOp[T], Decode: decodeSingletonOp[T]}
}

// EntityOpCodec returns the codec for Entity operations.
func EntityOpCodec() OpCodec[EntityOp] {
	return OpCodec[EntityOp]{Encode: encodeEntityOp, Decode: decodeEntityOp}
}

func encodeSetOp[T Referenceable](op SetOp[T]) ([]byte, error) {
	var env opEnvelope
	var err error
	switch o := op.(type) {
	case SetAdd[T]:
		env = opEnvelope{Type: opAdd, Actor: o.Actor, Clock: o.Clock}
		env.Value, err = json.Marshal(o.Added)
	case SetRemove[T]:
		env = opEnvelope{Type: opRemove, Actor: o.Actor, Clock: o.Clock}
		env.Value, err = json.Marshal(o.Removed)
	case SetClear[T]:
		env = opEnvelope{Type: opClear, Actor: o.Actor, Clock: o.Clock}
	case SetFastForward[T]:
		env = opEnvelope{Type: opFastForward, OldClock: o.OldClock, NewClock: o.NewClock}
		if env.Added, err = json.Marshal(o.Added); err != nil {
			return nil, fmt.Errorf("encode fast_forward added: %w", err)
		}
		env.Removed, err = json.Marshal(o.Removed)
	default:
		return nil, fmt.Errorf("unknown set op %T", op)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return json.Marshal(env)
}

func decodeSetOp[T Referenceable](data []byte) (SetOp[T], error) {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode set op: %w", err)
	}
	switch env.Type {
	case opAdd:
		var v T
		if err := json.Unmarshal(env.Value, &v); err != nil {
			return nil, fmt.Errorf("decode add value: %w", err)
		}
		return SetAdd[T]{Actor: env.Actor, Clock: env.Clock.Copy(), Added: v}, nil
	case opRemove:
		var v T
		if err := json.Unmarshal(env.Value, &v); err != nil {
			return nil, fmt.Errorf("decode remove value: %w", err)
		}
		return SetRemove[T]{Actor: env.Actor, Clock: env.Clock.Copy(), Removed: v}, nil
	case opClear:
		return SetClear[T]{Actor: env.Actor, Clock: env.Clock.Copy()}, nil
	case opFastForward:
		ff := SetFastForward[T]{OldClock: env.OldClock.Copy(), NewClock: env.NewClock.Copy()}
		if len(env.Added) > 0 {
			if err := json.Unmarshal(env.Added, &ff.Added); err != nil {
				return nil, fmt.Errorf("decode fast_forward added: %w", err)
			}
		}
		if len(env.Removed) > 0 {
			if err := json.Unmarshal(env.Removed, &ff.Removed); err != nil {
				return nil, fmt.Errorf("decode fast_forward removed: %w", err)
			}
		}
		return ff, nil
	default:
		return nil, fmt.Errorf("unknown set op type %q", env.Type)
	}
}

func encodeSingletonOp[T Referenceable](op SingletonOp[T]) ([]byte, error) {
	switch o := op.(type) {
	case SingletonUpdate[T]:
		v, err := json.Marshal(o.Value)
		if err != nil {
			return nil, fmt.Errorf("encode update: %w", err)
		}
		return json.Marshal(opEnvelope{Type: opUpdate, Actor: o.Actor, Clock: o.Clock, Value: v})
	case SingletonClear[T]:
		return json.Marshal(opEnvelope{Type: opClear, Actor: o.Actor, Clock: o.Clock})
	default:
		return nil, fmt.Errorf("unknown singleton op %T", op)
	}
}

func decodeSingletonOp[T Referenceable](data []byte) (SingletonOp[T], error) {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode singleton op: %w", err)
	}
	switch env.Type {
	case opUpdate:
		var v T
		if err := json.Unmarshal(env.Value, &v); err != nil {
			return nil, fmt.Errorf("decode update value: %w", err)
		}
		return SingletonUpdate[T]{Actor: env.Actor, Clock: env.Clock.Copy(), Value: v}, nil
	case opClear:
		return SingletonClear[T]{Actor: env.Actor, Clock: env.Clock.Copy()}, nil
	default:
		return nil, fmt.Errorf("unknown singleton op type %q", env.Type)
	}
}

func encodeEntityOp(op EntityOp) ([]byte, error) {
	var env opEnvelope
	var err error
	switch o := op.(type) {
	case EntitySet:
		env = opEnvelope{Type: opSet, Actor: o.Actor, Clock: o.Clock, Field: o.Field}
		env.Value, err = json.Marshal(o.Value)
	case EntityClear:
		env = opEnvelope{Type: opClear, Actor: o.Actor, Clock: o.Clock, Field: o.Field}
	case EntityAdd:
		env = opEnvelope{Type: opAdd, Actor: o.Actor, Clock: o.Clock, Field: o.Field}
		env.Value, err = json.Marshal(o.Added)
	case EntityRemove:
		env = opEnvelope{Type: opRemove, Actor: o.Actor, Clock: o.Clock, Field: o.Field}
		env.Value, err = json.Marshal(o.Removed)
	case EntityClearAll:
		env = opEnvelope{Type: opClearAll, Actor: o.Actor, Clock: o.Clock}
	default:
		return nil, fmt.Errorf("unknown entity op %T", op)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return json.Marshal(env)
}

func decodeEntityOp(data []byte) (EntityOp, error) {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode entity op: %w", err)
	}
	value := func() (Primitive, error) {
		var p Primitive
		if err := json.Unmarshal(env.Value, &p); err != nil {
			return Primitive{}, fmt.Errorf("decode %s value: %w", env.Type, err)
		}
		return p, nil
	}
	switch env.Type {
	case opSet:
		p, err := value()
		if err != nil {
			return nil, err
		}
		return EntitySet{Actor: env.Actor, Clock: env.Clock.Copy(), Field: env.Field, Value: p}, nil
	case opClear:
		return EntityClear{Actor: env.Actor, Clock: env.Clock.Copy(), Field: env.Field}, nil
	case opAdd:
		p, err := value()
		if err != nil {
			return nil, err
		}
		return EntityAdd{Actor: env.Actor, Clock: env.Clock.Copy(), Field: env.Field, Added: p}, nil
	case opRemove:
		p, err := value()
		if err != nil {
			return nil, err
		}
		return EntityRemove{Actor: env.Actor, Clock: env.Clock.Copy(), Field: env.Field, Removed: p}, nil
	case opClearAll:
		return EntityClearAll{Actor: env.Actor, Clock: env.Clock.Copy()}, nil
	default:
		return nil, fmt.Errorf("unknown entity op type %q", env.Type)
	}
}
