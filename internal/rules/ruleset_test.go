package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainlog/internal/ir"
)

const ledgerRules = `
rule: balances: {
	match:        "/acc/*"
	schema:       int & >=0
	max_increase: 100
	allow_clear:  false
}
rule: settings: {
	match:    "/cfg/*"
	readonly: true
}
rule: profiles: {
	match:  "/profile/*"
	schema: {name: string, age?: int}
}
rule: mint: {
	match:        "/mint/*"
	max_increase: 100
}
`

func compileLedgerRules(t *testing.T) *RuleSet {
	t.Helper()
	rs, err := CompileRuleSet([]byte(ledgerRules), "rules.cue")
	require.NoError(t, err)
	return rs
}

func TestCompileRuleSet(t *testing.T) {
	rs := compileLedgerRules(t)

	rules := rs.Rules()
	require.Len(t, rules, 4)

	assert.Equal(t, "balances", rules[0].Name)
	assert.Equal(t, "/acc/*", rules[0].Match)
	assert.True(t, rules[0].HasSchema)
	require.NotNil(t, rules[0].MaxIncrease)
	assert.Equal(t, int64(100), *rules[0].MaxIncrease)
	assert.False(t, rules[0].AllowClear)

	assert.True(t, rules[1].Readonly)
	assert.True(t, rules[1].AllowClear, "allow_clear defaults to true")
	assert.Nil(t, rules[1].MaxIncrease)
}

func TestCompileRuleSetEmpty(t *testing.T) {
	rs, err := CompileRuleSet([]byte(``), "empty.cue")
	require.NoError(t, err)
	assert.Empty(t, rs.Rules())
}

func TestCompileRuleSetErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		message string
	}{
		{"syntax", `rule: {`, ""},
		{"missing match", `rule: r: readonly: true`, "match is required"},
		{"bad pattern", `rule: r: match: "["`, "invalid pattern"},
		{"unknown field", "rule: r: {\n\tmatch: \"*\"\n\tlimit: 3\n}", "unknown field"},
		{"negative max", `rule: r: {match: "*", max_increase: -1}`, "must not be negative"},
		{"readonly not bool", `rule: r: {match: "*", readonly: "yes"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRuleSet([]byte(tt.src), "bad.cue")
			require.Error(t, err)
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestCompileErrorPosition(t *testing.T) {
	_, err := CompileRuleSet([]byte("rule: r: {\n\tmatch: \"*\"\n\tlimit: 3\n}"), "pos.cue")
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Pos.IsValid())
	assert.Equal(t, 3, ce.Pos.Line())
	assert.Contains(t, err.Error(), "pos.cue:3:")
}

func TestRuleSetValidate(t *testing.T) {
	rs := compileLedgerRules(t)
	written := ir.MutationHash([]byte("earlier"))

	tests := []struct {
		name    string
		key     string
		value   string
		current string
		written bool
		accept  bool
		reason  string
	}{
		{"balance within limit", "/acc/alice", "150", "100", true, true, ""},
		{"balance from nothing", "/acc/alice", "100", "", false, true, ""},
		{"negative balance", "/acc/alice", "-5", "0", true, false, "schema"},
		{"string balance", "/acc/alice", "lots", "0", true, false, "schema"},
		{"increase too large", "/acc/alice", "250", "100", true, false, "exceeds limit 100"},
		{"decrease", "/acc/alice", "1", "100", true, true, ""},
		{"clear balance", "/acc/alice", "", "100", true, false, "clearing"},
		{"create setting", "/cfg/fee", "3", "", false, true, ""},
		{"change setting", "/cfg/fee", "4", "3", true, false, "read-only"},
		{"valid profile", "/profile/a", `{"name":"ann","age":3}`, "", false, true, ""},
		{"invalid profile", "/profile/a", `{"age":3}`, "", false, false, "schema"},
		{"unmatched key", "/other", "anything", "", false, true, ""},
		{"increase across int64 range", "/mint/a", "9223372036854775807", "-9223372036854775808", true, false, "increase of 18446744073709551615 exceeds limit 100"},
		{"increase from min", "/mint/a", "-9223372036854775708", "-9223372036854775808", true, true, ""},
		{"increase past limit from min", "/mint/a", "-9223372036854775707", "-9223372036854775808", true, false, "increase of 101"},
		{"increase to max", "/mint/a", "9223372036854775807", "9223372036854775707", true, true, ""},
		{"first write near max", "/mint/a", "9223372036854775807", "", false, false, "exceeds limit 100"},
		{"decrease across int64 range", "/mint/a", "-9223372036854775808", "9223372036854775807", true, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ir.Mutation{Records: []ir.RecordWrite{{Key: []byte(tt.key), Value: []byte(tt.value)}}}
			cur := ir.Record{Key: []byte(tt.key), Value: []byte(tt.current), Version: ir.SentinelVersion}
			if tt.written {
				cur.Version = written
			}

			v, err := rs.Validate(context.Background(), m, []ir.Record{cur})
			require.NoError(t, err)
			assert.Equal(t, tt.accept, v.Accepted, v.Reason)
			if tt.reason != "" {
				assert.Contains(t, v.Reason, tt.reason)
			}
		})
	}
}

func TestRuleSetConcurrentValidate(t *testing.T) {
	rs := compileLedgerRules(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := ir.Mutation{Records: []ir.RecordWrite{{Key: []byte("/acc/a"), Value: []byte("50")}}}
			cur := []ir.Record{{Key: []byte("/acc/a"), Value: []byte{}}}
			v, err := rs.Validate(context.Background(), m, cur)
			assert.NoError(t, err)
			assert.True(t, v.Accepted)
		}()
	}
	wg.Wait()
}

func TestLoadRuleSetFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rules.cue")
	require.NoError(t, os.WriteFile(p, []byte(ledgerRules), 0o644))

	rs, err := LoadRuleSet(p)
	require.NoError(t, err)
	assert.Len(t, rs.Rules(), 4)
}

func TestLoadRuleSetMissing(t *testing.T) {
	_, err := LoadRuleSet(filepath.Join(t.TempDir(), "nope.cue"))
	assert.Error(t, err)
}
