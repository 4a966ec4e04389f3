package ir

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMalformed marks structurally invalid mutations and transactions.
// Callers test for it with errors.Is.
var ErrMalformed = errors.New("malformed input")

// Record is the current state of a key in the record store.
type Record struct {
	Key     []byte `json:"key"`
	Value   []byte `json:"value"`
	Version Hash   `json:"version"`
}

// Written reports whether the record has ever been written.
// A record cleared by a mutation has an empty value but is still written.
func (r Record) Written() bool {
	return !r.Version.IsSentinel()
}

// RecordWrite is a single operation of a mutation: replace the value of Key
// with Value, provided the record currently holds Version.
type RecordWrite struct {
	Key     []byte `json:"key"`
	Version Hash   `json:"version"`
	Value   []byte `json:"value"`
}

// Mutation is an ordered, atomic set of record writes.
// It carries no identity of its own beyond its canonical bytes.
type Mutation struct {
	Namespace []byte        `json:"namespace"`
	Records   []RecordWrite `json:"records"`
	Metadata  []byte        `json:"metadata"`
}

// Keys returns the keys touched by the mutation in operation order.
func (m Mutation) Keys() [][]byte {
	keys := make([][]byte, len(m.Records))
	for i, r := range m.Records {
		keys[i] = r.Key
	}
	return keys
}

// Check verifies the structural invariants of a mutation: at least one
// record, no empty key, no key written twice, and well-formed versions.
func (m Mutation) Check() error {
	if len(m.Records) == 0 {
		return fmt.Errorf("%w: mutation has no records", ErrMalformed)
	}
	seen := make(map[string]struct{}, len(m.Records))
	for i, r := range m.Records {
		if len(r.Key) == 0 {
			return fmt.Errorf("%w: record %d has an empty key", ErrMalformed, i)
		}
		if _, dup := seen[string(r.Key)]; dup {
			return fmt.Errorf("%w: key %q appears more than once", ErrMalformed, r.Key)
		}
		seen[string(r.Key)] = struct{}{}
		if n := len(r.Version); n != 0 && n != HashSize {
			return fmt.Errorf("%w: record %d has a %d byte version", ErrMalformed, i, n)
		}
	}
	return nil
}

func (m Mutation) toNode() Object {
	records := make(Array, len(m.Records))
	for i, r := range m.Records {
		records[i] = Object{
			"key":     encodeBytes(r.Key),
			"version": encodeBytes(r.Version),
			"value":   encodeBytes(r.Value),
		}
	}
	return Object{
		"namespace": encodeBytes(m.Namespace),
		"records":   records,
		"metadata":  encodeBytes(m.Metadata),
	}
}

// Marshal returns the canonical serialization of the mutation.
func (m Mutation) Marshal() ([]byte, error) {
	data, err := MarshalCanonical(m.toNode())
	if err != nil {
		return nil, fmt.Errorf("marshal mutation: %w", err)
	}
	return data, nil
}

// UnmarshalMutation decodes a serialized mutation. Input need not be
// canonical; re-marshaling the result yields the canonical form.
// Missing namespace and metadata decode as empty.
func UnmarshalMutation(data []byte) (Mutation, error) {
	n, err := DecodeNode(data)
	if err != nil {
		return Mutation{}, fmt.Errorf("%w: mutation: %v", ErrMalformed, err)
	}
	obj, ok := n.(Object)
	if !ok {
		return Mutation{}, fmt.Errorf("%w: mutation must be a JSON object", ErrMalformed)
	}

	var m Mutation
	if m.Namespace, err = decodeField(obj, "namespace", false); err != nil {
		return Mutation{}, err
	}
	if m.Metadata, err = decodeField(obj, "metadata", false); err != nil {
		return Mutation{}, err
	}

	list, ok := obj["records"].(Array)
	if !ok {
		return Mutation{}, fmt.Errorf("%w: mutation: records must be an array", ErrMalformed)
	}
	m.Records = make([]RecordWrite, len(list))
	for i, elem := range list {
		rec, ok := elem.(Object)
		if !ok {
			return Mutation{}, fmt.Errorf("%w: records[%d] must be an object", ErrMalformed, i)
		}
		w := &m.Records[i]
		if w.Key, err = decodeField(rec, "key", true); err != nil {
			return Mutation{}, fmt.Errorf("records[%d]: %w", i, err)
		}
		version, err := decodeField(rec, "version", false)
		if err != nil {
			return Mutation{}, fmt.Errorf("records[%d]: %w", i, err)
		}
		w.Version = Hash(version)
		if w.Value, err = decodeField(rec, "value", false); err != nil {
			return Mutation{}, fmt.Errorf("records[%d]: %w", i, err)
		}
	}
	return m, nil
}

func encodeBytes(b []byte) String {
	return String(base64.StdEncoding.EncodeToString(b))
}

// decodeField reads a base64 field. The result is never nil.
func decodeField(obj Object, key string, required bool) ([]byte, error) {
	var (
		s   string
		err error
	)
	if required {
		s, err = obj.str(key)
	} else {
		s, err = obj.optStr(key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}
