package crdt

import (
	"encoding/json"
	"slices"

	"github.com/roach88/replicore/internal/ir"
)

// Referenceable is anything a CRDT can hold. RefID is the element
// identity: two values with the same RefID are the same element.
type Referenceable interface {
	RefID() string
}

// Primitive wraps an opaque payload. Its identity is derived from the value
// itself, so equal payloads written by different actors are one element.
type Primitive struct {
	Value ir.IRValue
}

// P wraps a payload as a Primitive.
func P(v ir.IRValue) Primitive {
	return Primitive{Value: v}
}

// RefID returns the value-derived key, or "" if the payload has no
// canonical form. Operations carrying such values are rejected.
func (p Primitive) RefID() string {
	if p.Value == nil {
		return ""
	}
	key, err := ir.ValueKey(p.Value)
	if err != nil {
		return ""
	}
	return key
}

// MarshalJSON encodes the bare payload.
func (p Primitive) MarshalJSON() ([]byte, error) {
	return ir.MarshalIRValue(p.Value)
}

// UnmarshalJSON decodes a bare payload.
func (p *Primitive) UnmarshalJSON(data []byte) error {
	v, err := ir.DecodeValue(data)
	if err != nil {
		return err
	}
	p.Value = v
	return nil
}

// Reference stands in for an entity held in a backing store.
// Version is the backing entity's version when the reference was written.
type Reference struct {
	ID         string     `json:"id"`
	StorageKey string     `json:"storage_key,omitempty"`
	Version    VersionMap `json:"version,omitempty"`
}

// RefID returns the referenced entity id.
func (r Reference) RefID() string {
	return r.ID
}

// RawEntity is the consumer view of an entity: an id plus the visible value
// of each singleton field and the members of each collection field.
type RawEntity struct {
	ID          string                `json:"id"`
	Singletons  ir.IRObject           `json:"singletons,omitempty"`
	Collections map[string]ir.IRArray `json:"collections,omitempty"`
}

// RefID returns the entity id.
func (e RawEntity) RefID() string {
	return e.ID
}

// IsEmpty reports whether no field holds a value.
func (e RawEntity) IsEmpty() bool {
	if len(e.Singletons) > 0 {
		return false
	}
	for _, vals := range e.Collections {
		if len(vals) > 0 {
			return false
		}
	}
	return true
}

// Equal compares field contents. Collection order is ignored.
func (e RawEntity) Equal(other RawEntity) bool {
	if e.ID != other.ID || !ir.Equal(nonNilObject(e.Singletons), nonNilObject(other.Singletons)) {
		return false
	}
	fields := make(map[string]struct{})
	for f := range e.Collections {
		fields[f] = struct{}{}
	}
	for f := range other.Collections {
		fields[f] = struct{}{}
	}
	for f := range fields {
		if !slices.Equal(primitiveKeys(e.Collections[f]), primitiveKeys(other.Collections[f])) {
			return false
		}
	}
	return true
}

func nonNilObject(o ir.IRObject) ir.IRObject {
	if o == nil {
		return ir.IRObject{}
	}
	return o
}

func primitiveKeys(vals ir.IRArray) []string {
	keys := make([]string, 0, len(vals))
	for _, v := range vals {
		keys = append(keys, P(v).RefID())
	}
	slices.Sort(keys)
	return keys
}

// sortKey orders values whose identities tie. It hashes the JSON
// encoding, which is deterministic for every Referenceable in this package.
func sortKey[T Referenceable](v T) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return ir.Digest(data)
}
