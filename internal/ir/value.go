package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Node is a sealed interface over the value types that canonical JSON
// can carry. There is no float node and no null node: neither survives a
// byte-exact round trip.
type Node interface {
	node()
}

// String is a JSON string.
type String string

func (String) node() {}

// Int is a JSON integer. Always int64.
type Int int64

func (Int) node() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) node() {}

// Array is a JSON array.
type Array []Node

func (Array) node() {}

// Object is a JSON object. Use SortedKeys for deterministic iteration.
type Object map[string]Node

func (Object) node() {}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Plain string comparison orders by UTF-8 bytes, which differs for
// characters outside the BMP.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// str returns the string stored under key, or an error naming the field.
func (o Object) str(key string) (string, error) {
	v, ok := o[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(String)
	if !ok {
		return "", fmt.Errorf("field %q: expected string, got %T", key, v)
	}
	return string(s), nil
}

// optStr is like str but treats a missing field as the empty string.
func (o Object) optStr(key string) (string, error) {
	if _, ok := o[key]; !ok {
		return "", nil
	}
	return o.str(key)
}

// DecodeNode parses JSON into a Node.
// Floats and null are rejected, as are numbers outside the int64 range.
func DecodeNode(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return toNode(raw)
}

func toNode(v any) (Node, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not allowed")
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			n, err := toNode(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = n
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			n, err := toNode(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			obj[k] = n
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
