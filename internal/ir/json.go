package ir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MarshalIRValue encodes v as ordinary JSON with object keys sorted. The
// output is stable but not canonical; ValueKey uses MarshalCanonical.
func MarshalIRValue(v IRValue) ([]byte, error) {
	return appendJSON(nil, v)
}

func (IRNull) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

func (arr IRArray) MarshalJSON() ([]byte, error) { return appendJSON(nil, arr) }

func (obj IRObject) MarshalJSON() ([]byte, error) { return appendJSON(nil, obj) }

func appendJSON(dst []byte, v IRValue) ([]byte, error) {
	var err error
	switch val := v.(type) {
	case IRNull:
		return append(dst, "null"...), nil
	case IRString:
		enc, _ := json.Marshal(string(val))
		return append(dst, enc...), nil
	case IRInt:
		return strconv.AppendInt(dst, int64(val), 10), nil
	case IRBool:
		return strconv.AppendBool(dst, bool(val)), nil
	case IRArray:
		dst = append(dst, '[')
		for i, elem := range val {
			if i > 0 {
				dst = append(dst, ',')
			}
			if dst, err = appendJSON(dst, elem); err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		return append(dst, ']'), nil
	case IRObject:
		dst = append(dst, '{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				dst = append(dst, ',')
			}
			name, _ := json.Marshal(k)
			dst = append(append(dst, name...), ':')
			if dst, err = appendJSON(dst, val[k]); err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		return append(dst, '}'), nil
	default:
		return nil, fmt.Errorf("cannot encode %T", v)
	}
}

// DecodeValue reads back JSON that this package wrote. Unlike
// UnmarshalIRValue it accepts null, so stored IRNull round-trips.
// Floats are still rejected.
func DecodeValue(data []byte) (IRValue, error) {
	raw, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return convert(raw, true)
}

// UnmarshalIRValue parses JSON from an untrusted source. null and floats
// are rejected.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	raw, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return convert(raw, false)
}

func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	a, ok := v.(IRArray)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	*arr = a
	return nil
}

func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected object, got %T", v)
	}
	*obj = o
	return nil
}

// FromGo converts the output of a JSON or YAML decoder into an IRValue.
// YAML yields int where JSON with UseNumber yields json.Number; both are
// accepted. null and floats are rejected.
func FromGo(v any) (IRValue, error) {
	return convert(v, false)
}

func decodeJSON(data []byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty JSON value")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return raw, nil
}

func convert(v any, allowNull bool) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		if allowNull {
			return IRNull{}, nil
		}
		return nil, errors.New("null is not a valid value")
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case json.Number:
		if strings.ContainsAny(string(val), ".eE") {
			return nil, fmt.Errorf("floats are not valid values: %s", val)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", val)
		}
		return IRInt(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are not valid values: %v", val)
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			c, err := convert(elem, allowNull)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = c
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			c, err := convert(elem, allowNull)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = c
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
