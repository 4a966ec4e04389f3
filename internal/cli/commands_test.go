package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/testutil"
)

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeResponse(t *testing.T, out string) jsonResponse {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

func testDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "ledger.db")
}

func TestSubmitAndGet(t *testing.T) {
	db := testDB(t)

	out, err := execute(t, "submit", "--db", db, "--set", "/acc/alice=100", "--set", "/acc/bob=50")
	require.NoError(t, err)
	assert.Contains(t, out, "Committed 2 records at seq 0")

	out, err = execute(t, "get", "--db", db, "/acc/alice")
	require.NoError(t, err)
	assert.Contains(t, out, `"/acc/alice" = "100"`)

	// --set reads the current version, so a second write applies cleanly.
	out, err = execute(t, "submit", "--db", db, "--set", "/acc/alice=90", "--metadata", "debit")
	require.NoError(t, err)
	assert.Contains(t, out, "Committed 1 record at seq 1")

	out, err = execute(t, "--format", "json", "get", "--db", db, "/acc/alice")
	require.NoError(t, err)
	resp := decodeResponse(t, out)
	var rec recordView
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	assert.Equal(t, "90", string(rec.Value))
	assert.Len(t, rec.Version, 64)

	out, err = execute(t, "get", "--db", db, "/acc/nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "(version empty)")
}

func TestSubmitClear(t *testing.T) {
	db := testDB(t)
	_, err := execute(t, "submit", "--db", db, "--set", "/k=v")
	require.NoError(t, err)

	_, err = execute(t, "submit", "--db", db, "--clear", "/k")
	require.NoError(t, err)

	out, err := execute(t, "--format", "json", "get", "--db", db, "/k")
	require.NoError(t, err)
	var rec recordView
	require.NoError(t, json.Unmarshal(decodeResponse(t, out).Data, &rec))
	assert.Empty(t, rec.Value)
	assert.NotEmpty(t, rec.Version, "a cleared record keeps its version")
}

func TestSubmitFileConflict(t *testing.T) {
	db := testDB(t)
	_, err := execute(t, "submit", "--db", db, "--set", "/k=v")
	require.NoError(t, err)

	// Expects the sentinel, but /k has been written.
	raw, err := ir.Mutation{Records: []ir.RecordWrite{{Key: []byte("/k"), Value: []byte("w")}}}.Marshal()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "mutation.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	out, err := execute(t, "--format", "json", "submit", "--db", db, "--file", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "CONCURRENCY_CONFLICT", resp.Error.Code)
}

func TestSubmitStdin(t *testing.T) {
	db := testDB(t)
	raw, err := ir.Mutation{Records: []ir.RecordWrite{{Key: []byte("/in"), Value: []byte("1")}}}.Marshal()
	require.NoError(t, err)

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(bytes.NewReader(raw))
	cmd.SetArgs([]string{"submit", "--db", db, "--file", "-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "seq 0")
}

func TestSubmitRuleViolationFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "chainlog.yaml")
	cfg := "storage:\n  path: " + filepath.Join(dir, "ledger.db") + "\nvalidator:\n  mode: allow_all\n  non_negative: [\"/acc/*\"]\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err := execute(t, "submit", "--config", cfgPath, "--set", "/acc/a=-5")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [RULE_VIOLATION]")

	_, err = execute(t, "submit", "--config", cfgPath, "--set", "/other=-5")
	require.NoError(t, err)
}

func TestSubmitUsageErrors(t *testing.T) {
	db := testDB(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no writes", []string{"submit", "--db", db}},
		{"file and set", []string{"submit", "--db", db, "--file", "x", "--set", "a=b"}},
		{"bad set", []string{"submit", "--db", db, "--set", "novalue"}},
		{"missing file", []string{"submit", "--db", db, "--file", filepath.Join(t.TempDir(), "none.json")}},
		{"bad config", []string{"submit", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--set", "a=b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestGetPrefix(t *testing.T) {
	db := testDB(t)
	_, err := execute(t, "submit", "--db", db, "--set", "/acc/a=1", "--set", "/acc/b=2", "--set", "/zzz=3")
	require.NoError(t, err)

	out, err := execute(t, "get", "--db", db, "--prefix", "/acc/")
	require.NoError(t, err)
	assert.Contains(t, out, `2 records under "/acc/"`)
	assert.NotContains(t, out, "/zzz")

	out, err = execute(t, "--format", "json", "get", "--db", db, "--prefix", "--limit", "1", "/")
	require.NoError(t, err)
	var recs []recordView
	require.NoError(t, json.Unmarshal(decodeResponse(t, out).Data, &recs))
	assert.Len(t, recs, 1)
}

func TestLog(t *testing.T) {
	db := testDB(t)
	for _, kv := range []string{"/a=1", "/b=2", "/c=3"} {
		_, err := execute(t, "submit", "--db", db, "--set", kv)
		require.NoError(t, err)
	}

	out, err := execute(t, "log", "--db", db)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "3 transactions", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "#0 "))
	assert.True(t, strings.HasSuffix(lines[3], "1 record"))

	out, err = execute(t, "--format", "json", "log", "--db", db, "--from", "1", "--to", "2")
	require.NoError(t, err)
	var entries []entryView
	require.NoError(t, json.Unmarshal(decodeResponse(t, out).Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Seq)
	require.Len(t, entries[0].Records, 1)
	assert.Equal(t, "/b", string(entries[0].Records[0].Key))
	assert.Empty(t, entries[0].Records[0].Version, "first write expected the sentinel")

	out, err = execute(t, "-v", "log", "--db", db, "--to", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"/a" = "1" (expected empty)`)
}

func TestVerify(t *testing.T) {
	db := testDB(t)

	out, err := execute(t, "verify", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Chain intact: 0 transactions, head -1")

	for _, kv := range []string{"/a=1", "/b=2"} {
		_, err := execute(t, "submit", "--db", db, "--set", kv)
		require.NoError(t, err)
	}

	out, err = execute(t, "--format", "json", "verify", "--db", db)
	require.NoError(t, err)
	var result VerifyResult
	require.NoError(t, json.Unmarshal(decodeResponse(t, out).Data, &result))
	assert.True(t, result.Valid)
	assert.Equal(t, int64(2), result.Transactions)
	assert.Equal(t, int64(1), result.Head)

	testutil.ExecSQL(t, db, `UPDATE transactions SET chain_hash = zeroblob(32) WHERE seq = 1`)

	out, err = execute(t, "verify", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [CHAIN_BROKEN]: chain hash mismatch")
}

func TestRulesCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.cue")
	require.NoError(t, os.WriteFile(good, []byte(`
rule: balances: {
	match:        "/acc/*"
	max_increase: 100
	allow_clear:  false
}
rule: config: {
	match:    "/cfg/*"
	readonly: true
}
`), 0o644))

	out, err := execute(t, "rules", "check", good)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rules")
	assert.Contains(t, out, `balances match="/acc/*" max_increase=100 no_clear`)
	assert.Contains(t, out, `config match="/cfg/*" readonly`)

	out, err = execute(t, "--format", "json", "rules", "check", good)
	require.NoError(t, err)
	var result RulesCheckResult
	require.NoError(t, json.Unmarshal(decodeResponse(t, out).Data, &result))
	assert.True(t, result.Valid)
	assert.Len(t, result.Rules, 2)

	bad := filepath.Join(dir, "bad.cue")
	require.NoError(t, os.WriteFile(bad, []byte(`rule: r: { match: "/a", color: "red" }`), 0o644))
	out, err = execute(t, "rules", "check", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [RULES_INVALID]")

	_, err = execute(t, "rules", "check", filepath.Join(dir, "missing.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseWrites(t *testing.T) {
	writes, err := parseWrites([]string{"/a=1", "/b=x=y", "/c="}, []string{"/d"})
	require.NoError(t, err)
	require.Len(t, writes, 4)
	assert.Equal(t, "x=y", string(writes[1].Value))
	assert.Empty(t, writes[2].Value)
	assert.Equal(t, "/d", string(writes[3].Key))
	assert.NotNil(t, writes[3].Value)

	_, err = parseWrites([]string{"=v"}, nil)
	assert.Error(t, err)
	_, err = parseWrites(nil, []string{""})
	assert.Error(t, err)
}
