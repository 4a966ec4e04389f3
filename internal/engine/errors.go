package engine

import (
	"errors"
	"fmt"
)

// CommitError is returned when a mutation does not commit.
//
// The Code says which stage rejected it. Stage is the last state the
// mutation reached before rejection.
type CommitError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Key is the record key involved, when there is one.
	Key []byte

	// Stage is the last state reached before rejection.
	Stage State

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes commit failures.
type ErrorCode string

const (
	// ErrCodeConflict means a precondition did not match the stored version.
	ErrCodeConflict ErrorCode = "CONCURRENCY_CONFLICT"

	// ErrCodeRuleViolation means the validator rejected the mutation.
	ErrCodeRuleViolation ErrorCode = "RULE_VIOLATION"

	// ErrCodeMalformed means the submission could not be decoded or
	// exceeded a structural limit.
	ErrCodeMalformed ErrorCode = "MALFORMED_INPUT"

	// ErrCodeStoreUnavailable means the store failed for reasons unrelated
	// to the mutation. Nothing was committed.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Error implements the error interface.
func (e *CommitError) Error() string {
	if len(e.Key) > 0 {
		return fmt.Sprintf("%s: %s (key=%q)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsConflict reports whether err is a concurrency conflict.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsRuleViolation reports whether err is a validator rejection.
func IsRuleViolation(err error) bool { return hasCode(err, ErrCodeRuleViolation) }

// IsMalformed reports whether err is a malformed-input rejection.
func IsMalformed(err error) bool { return hasCode(err, ErrCodeMalformed) }

// IsStoreUnavailable reports whether err is a store failure.
func IsStoreUnavailable(err error) bool { return hasCode(err, ErrCodeStoreUnavailable) }

func newConflict(key []byte, stage State, err error) *CommitError {
	return &CommitError{
		Code:    ErrCodeConflict,
		Message: "expected version does not match current version",
		Key:     key,
		Stage:   stage,
		Err:     err,
	}
}

func newRuleViolation(reason string) *CommitError {
	return &CommitError{
		Code:    ErrCodeRuleViolation,
		Message: reason,
		Stage:   StatePreconditionChecked,
	}
}

func newMalformed(stage State, err error) *CommitError {
	return &CommitError{
		Code:    ErrCodeMalformed,
		Message: err.Error(),
		Stage:   stage,
		Err:     err,
	}
}

func newStoreUnavailable(stage State, err error) *CommitError {
	return &CommitError{
		Code:    ErrCodeStoreUnavailable,
		Message: err.Error(),
		Stage:   stage,
		Err:     err,
	}
}
