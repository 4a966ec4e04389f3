package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainMutation    = "chainlog/mutation/v1"
	DomainTransaction = "chainlog/transaction/v1"
	DomainChain       = "chainlog/chain/v1"
)

// HashSize is the length in bytes of every non-sentinel Hash.
const HashSize = sha256.Size

// Hash is a SHA-256 digest.
// The zero-length Hash is the version of a record that was never written.
type Hash []byte

// SentinelVersion is the version carried by a never-written record.
var SentinelVersion = Hash{}

// String returns the lowercase hex form, or "empty" for the sentinel.
func (h Hash) String() string {
	if len(h) == 0 {
		return "empty"
	}
	return hex.EncodeToString(h)
}

// Hex returns the lowercase hex form ("" for the sentinel).
func (h Hash) Hex() string {
	return hex.EncodeToString(h)
}

// IsSentinel reports whether h is the never-written version.
func (h Hash) IsSentinel() bool {
	return len(h) == 0
}

// Equal reports whether two hashes are identical.
// nil and the empty Hash are equal.
func (h Hash) Equal(o Hash) bool {
	return bytes.Equal(h, o)
}

// MarshalText encodes the hash as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

// UnmarshalText decodes a hex hash. The empty string is the sentinel.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex hash. "" and "empty" yield the sentinel.
func ParseHash(s string) (Hash, error) {
	if s == "" || s == "empty" {
		return Hash{}, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hash %q: %v", ErrMalformed, s, err)
	}
	if len(b) != HashSize {
		return nil, fmt.Errorf("%w: hash %q has %d bytes, want %d", ErrMalformed, s, len(b), HashSize)
	}
	return Hash(b), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return Hash(h.Sum(nil))
}

// MutationHash returns the identity of a serialized mutation. It is also
// the version token every record written by that mutation will carry.
func MutationHash(raw []byte) Hash {
	return hashWithDomain(DomainMutation, raw)
}

// TransactionHash returns the identity of a serialized transaction.
func TransactionHash(raw []byte) Hash {
	return hashWithDomain(DomainTransaction, raw)
}

// ChainHash links a transaction hash to the chain hash of its predecessor.
// The first entry of the log uses the sentinel as prev.
func ChainHash(prev, tx Hash) Hash {
	data := make([]byte, 0, len(prev)+len(tx))
	data = append(data, prev...)
	data = append(data, tx...)
	return hashWithDomain(DomainChain, data)
}
