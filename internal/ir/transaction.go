package ir

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Transaction is a committed mutation plus its commit timestamp and an
// opaque metadata blob. Mutation holds the canonical mutation bytes.
//
// Mutation and Metadata are never nil; construct with NewTransaction.
type Transaction struct {
	Mutation  []byte    `json:"mutation"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  []byte    `json:"metadata"`
}

// NewTransaction builds a Transaction. The timestamp is normalized to UTC
// with microsecond precision so that serialization round-trips exactly.
func NewTransaction(mutation []byte, ts time.Time, metadata []byte) (Transaction, error) {
	if mutation == nil {
		return Transaction{}, fmt.Errorf("%w: transaction mutation is nil", ErrMalformed)
	}
	if metadata == nil {
		return Transaction{}, fmt.Errorf("%w: transaction metadata is nil", ErrMalformed)
	}
	return Transaction{
		Mutation:  mutation,
		Timestamp: ts.UTC().Truncate(time.Microsecond),
		Metadata:  metadata,
	}, nil
}

// Marshal returns the canonical serialization of the transaction.
func (t Transaction) Marshal() ([]byte, error) {
	if t.Mutation == nil || t.Metadata == nil {
		return nil, fmt.Errorf("%w: transaction has nil mutation or metadata", ErrMalformed)
	}
	obj := Object{
		"mutation":  encodeBytes(t.Mutation),
		"timestamp": Int(t.Timestamp.UnixMicro()),
		"metadata":  encodeBytes(t.Metadata),
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return data, nil
}

// Hash returns the content hash of the transaction's canonical bytes.
func (t Transaction) Hash() (Hash, error) {
	data, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	return TransactionHash(data), nil
}

// DecodeMutation decodes the wrapped mutation bytes.
func (t Transaction) DecodeMutation() (Mutation, error) {
	return UnmarshalMutation(t.Mutation)
}

// UnmarshalTransaction decodes a serialized transaction.
func UnmarshalTransaction(data []byte) (Transaction, error) {
	n, err := DecodeNode(data)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: transaction: %v", ErrMalformed, err)
	}
	obj, ok := n.(Object)
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction must be a JSON object", ErrMalformed)
	}

	mutation, err := decodeField(obj, "mutation", true)
	if err != nil {
		return Transaction{}, err
	}
	metadata, err := decodeField(obj, "metadata", true)
	if err != nil {
		return Transaction{}, err
	}
	micros, ok := obj["timestamp"].(Int)
	if !ok {
		return Transaction{}, fmt.Errorf("%w: transaction timestamp must be an integer", ErrMalformed)
	}

	return NewTransaction(mutation, time.UnixMicro(int64(micros)), metadata)
}

// CommittedTransaction is a transaction as stored in the log.
type CommittedTransaction struct {
	// Seq is the position in the log. Positions start at 0 and are gap-free.
	Seq int64 `json:"seq"`

	// Hash is the content hash of Raw.
	Hash Hash `json:"hash"`

	// MutationHash is the hash of Transaction.Mutation, which is also the
	// version of every record the transaction wrote.
	MutationHash Hash `json:"mutation_hash"`

	// ChainHash links this entry to the previous one.
	ChainHash Hash `json:"chain_hash"`

	// Raw is the canonical serialization of Transaction.
	Raw []byte `json:"raw"`

	Transaction Transaction `json:"-"`
}

// EncodeRaw returns Raw as standard base64, the form used on the wire.
func (c CommittedTransaction) EncodeRaw() string {
	return base64.StdEncoding.EncodeToString(c.Raw)
}
