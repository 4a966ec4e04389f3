package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainlog/internal/ir"
)

// mutation builds a mutation and the matching unwritten records.
func mutation(kv ...string) (ir.Mutation, []ir.Record) {
	var m ir.Mutation
	var cur []ir.Record
	for i := 0; i+1 < len(kv); i += 2 {
		m.Records = append(m.Records, ir.RecordWrite{Key: []byte(kv[i]), Value: []byte(kv[i+1])})
		cur = append(cur, ir.Record{Key: []byte(kv[i]), Value: []byte{}, Version: ir.SentinelVersion})
	}
	return m, cur
}

func TestAllowAll(t *testing.T) {
	m, cur := mutation("a", "-1")
	v, err := AllowAll{}.Validate(context.Background(), m, cur)
	require.NoError(t, err)
	assert.True(t, v.Accepted)
}

func TestNonNegative(t *testing.T) {
	nn, err := NonNegative("/acc/*")
	require.NoError(t, err)

	tests := []struct {
		name   string
		key    string
		value  string
		accept bool
	}{
		{"positive", "/acc/alice", "150", true},
		{"zero", "/acc/alice", "0", true},
		{"negative", "/acc/alice", "-5", false},
		{"negative other key", "/cfg/x", "-5", true},
		{"negative decimal", "/acc/alice", "-0.5", false},
		{"negative trailing zeros", "/acc/alice", "-5.00", false},
		{"negative exponent", "/acc/alice", "-1e3", false},
		{"tiny negative", "/acc/alice", "-1e-400", false},
		{"padded negative", "/acc/alice", " -2 ", false},
		{"negative zero", "/acc/alice", "-0.0", true},
		{"positive decimal", "/acc/alice", "0.25", true},
		{"not a number", "/acc/alice", "abc", true},
		{"infinity", "/acc/alice", "-Inf", true},
		{"cleared", "/acc/alice", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, cur := mutation(tt.key, tt.value)
			v, err := nn.Validate(context.Background(), m, cur)
			require.NoError(t, err)
			assert.Equal(t, tt.accept, v.Accepted, v.Reason)
			if !tt.accept {
				assert.Contains(t, v.Reason, "negative")
			}
		})
	}
}

func TestNonNegativeBadPattern(t *testing.T) {
	_, err := NonNegative("[")
	assert.Error(t, err)
}

func TestNonNegativeArityMismatch(t *testing.T) {
	nn, err := NonNegative("*")
	require.NoError(t, err)

	m, _ := mutation("a", "1")
	_, err = nn.Validate(context.Background(), m, nil)
	assert.ErrorIs(t, err, ir.ErrMalformed)
}

func TestChainFirstRejectionWins(t *testing.T) {
	calls := 0
	counting := ValidatorFunc(func(context.Context, ir.Mutation, []ir.Record) (Verdict, error) {
		calls++
		return Accept(), nil
	})
	rejecting := ValidatorFunc(func(context.Context, ir.Mutation, []ir.Record) (Verdict, error) {
		return Reject("no"), nil
	})

	m, cur := mutation("a", "1")
	v, err := Chain(counting, rejecting, counting).Validate(context.Background(), m, cur)
	require.NoError(t, err)
	assert.False(t, v.Accepted)
	assert.Equal(t, "no", v.Reason)
	assert.Equal(t, 1, calls)
}

func TestChainEmptyAccepts(t *testing.T) {
	m, cur := mutation("a", "1")
	v, err := Chain().Validate(context.Background(), m, cur)
	require.NoError(t, err)
	assert.True(t, v.Accepted)
}
