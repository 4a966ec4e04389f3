package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitError_Error(t *testing.T) {
	err := newConflict([]byte("A"), StateReceived, nil)
	assert.Equal(t, `CONCURRENCY_CONFLICT: expected version does not match current version (key="A")`, err.Error())

	err = newRuleViolation("too much")
	assert.Equal(t, "RULE_VIOLATION: too much", err.Error())
}

func TestCommitError_Predicates(t *testing.T) {
	cause := errors.New("disk gone")
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"conflict", newConflict([]byte("k"), StateReceived, nil), IsConflict},
		{"rule", newRuleViolation("no"), IsRuleViolation},
		{"malformed", newMalformed(StateReceived, cause), IsMalformed},
		{"store", newStoreUnavailable(StateReceived, cause), IsStoreUnavailable},
	}

	predicates := []func(error) bool{IsConflict, IsRuleViolation, IsMalformed, IsStoreUnavailable}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("submit: %w", tt.err)
			assert.True(t, tt.check(wrapped), "predicate should see through wrapping")

			matches := 0
			for _, p := range predicates {
				if p(tt.err) {
					matches++
				}
			}
			assert.Equal(t, 1, matches, "exactly one predicate matches")
		})
	}

	assert.False(t, IsConflict(cause))
	assert.False(t, IsConflict(nil))
}

func TestCommitError_Unwrap(t *testing.T) {
	cause := errors.New("disk gone")
	err := newStoreUnavailable(StateRuleEvaluated, cause)
	assert.ErrorIs(t, err, cause)
}
