package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a write's expected version no longer
	// matches the stored version. The whole batch was rolled back.
	ErrConflict = errors.New("version conflict")

	// ErrNotFound is returned when a requested log entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when appending a transaction whose content
	// hash is already in the log.
	ErrDuplicate = errors.New("duplicate transaction")

	// ErrChainBroken is returned by VerifyChain when the log fails an
	// integrity check.
	ErrChainBroken = errors.New("transaction chain broken")
)

// ConflictError identifies the key whose precondition failed.
// It matches ErrConflict with errors.Is.
type ConflictError struct {
	Key      []byte
	Expected []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on key %q", e.Key)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ChainError describes the first log entry that failed verification.
// It matches ErrChainBroken with errors.Is.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("transaction chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Is reports whether target is ErrChainBroken.
func (e *ChainError) Is(target error) bool {
	return target == ErrChainBroken
}
