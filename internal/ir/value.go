package ir

import (
	"slices"
	"unicode/utf16"
)

// IRValue is an opaque payload held by a replica. The set of
// implementations is closed: IRNull, IRString, IRInt, IRBool, IRArray and
// IRObject. There is no float variant, so every replica encodes a given
// value to the same canonical bytes.
type IRValue interface {
	irValue()
}

type (
	// IRNull is JSON null. It survives storage but cannot be keyed.
	IRNull struct{}
	// IRString is a string payload.
	IRString string
	// IRInt is a 64-bit integer payload.
	IRInt int64
	// IRBool is a boolean payload.
	IRBool bool
	// IRArray is an ordered list of payloads.
	IRArray []IRValue
	// IRObject maps names to payloads. Iterate with SortedKeys.
	IRObject map[string]IRValue
)

func (IRNull) irValue() {}
func (IRString) irValue() {}
func (IRInt) irValue() {}
func (IRBool) irValue() {}
func (IRArray) irValue() {}
func (IRObject) irValue() {}

// SortedKeys orders the keys of obj the way RFC 8785 does, by UTF-16 code
// unit rather than by UTF-8 byte.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
	})
	return keys
}

// Equal reports whether a and b hold the same payload. A nil IRValue is
// only equal to nil; in particular it is not equal to IRNull.
func Equal(a, b IRValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case IRArray:
		bv, ok := b.(IRArray)
		return ok && slices.EqualFunc(av, bv, Equal)
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if w, ok := bv[k]; !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	default:
		// scalars are comparable
		return a == b
	}
}
