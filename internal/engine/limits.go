package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/chainlog/internal/ir"
)

// Default structural limits.
const (
	DefaultMaxRecords      = 1000
	DefaultMaxKeySize      = 1 << 10
	DefaultMaxValueSize    = 1 << 20
	DefaultMaxMetadataSize = 64 << 10
)

// Limits bounds the size of a single mutation. Zero fields are unlimited.
//
// Limits are checked before any store access, so an oversized submission
// costs nothing but decoding.
type Limits struct {
	MaxRecords      int `yaml:"max_records"`
	MaxKeySize      int `yaml:"max_key_size"`
	MaxValueSize    int `yaml:"max_value_size"`
	MaxMetadataSize int `yaml:"max_metadata_size"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRecords:      DefaultMaxRecords,
		MaxKeySize:      DefaultMaxKeySize,
		MaxValueSize:    DefaultMaxValueSize,
		MaxMetadataSize: DefaultMaxMetadataSize,
	}
}

// Check returns a *LimitExceededError for the first limit m exceeds.
// metadata is the transaction metadata submitted alongside m.
func (l Limits) Check(m ir.Mutation, metadata []byte) error {
	if l.MaxRecords > 0 && len(m.Records) > l.MaxRecords {
		return &LimitExceededError{Limit: "records", Size: len(m.Records), Max: l.MaxRecords}
	}
	if l.MaxMetadataSize > 0 {
		if len(metadata) > l.MaxMetadataSize {
			return &LimitExceededError{Limit: "transaction metadata", Size: len(metadata), Max: l.MaxMetadataSize}
		}
		if len(m.Metadata) > l.MaxMetadataSize {
			return &LimitExceededError{Limit: "mutation metadata", Size: len(m.Metadata), Max: l.MaxMetadataSize}
		}
	}
	for _, w := range m.Records {
		if l.MaxKeySize > 0 && len(w.Key) > l.MaxKeySize {
			return &LimitExceededError{Limit: "key", Key: w.Key, Size: len(w.Key), Max: l.MaxKeySize}
		}
		if l.MaxValueSize > 0 && len(w.Value) > l.MaxValueSize {
			return &LimitExceededError{Limit: "value", Key: w.Key, Size: len(w.Value), Max: l.MaxValueSize}
		}
	}
	return nil
}

// LimitExceededError is returned when a mutation is larger than allowed.
type LimitExceededError struct {
	Limit string // which limit: "records", "key", "value", ...
	Key   []byte // offending key, for per-record limits
	Size  int
	Max   int
}

// Error implements the error interface.
func (e *LimitExceededError) Error() string {
	if len(e.Key) > 0 {
		return fmt.Sprintf("%s size %d exceeds limit %d (key=%q)", e.Limit, e.Size, e.Max, e.Key)
	}
	return fmt.Sprintf("%s: %d exceeds limit %d", e.Limit, e.Size, e.Max)
}

// IsLimitExceeded reports whether err is a LimitExceededError.
// Uses errors.As to handle wrapped errors.
func IsLimitExceeded(err error) bool {
	var le *LimitExceededError
	return errors.As(err, &le)
}
