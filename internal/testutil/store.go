package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/store"
)

// OpenStore opens a store in a temporary directory, closed at test cleanup.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Write builds a record write from strings.
func Write(key, value string, version ir.Hash) ir.RecordWrite {
	return ir.RecordWrite{Key: []byte(key), Version: version, Value: []byte(value)}
}

// MarshalMutation serializes a mutation of the given writes.
func MarshalMutation(t testing.TB, writes ...ir.RecordWrite) []byte {
	t.Helper()
	raw, err := ir.Mutation{Records: writes}.Marshal()
	require.NoError(t, err)
	return raw
}

// ExecSQL runs a statement directly against the database file at path,
// bypassing the store. Tests use it to corrupt a ledger.
func ExecSQL(t testing.TB, path, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(query, args...)
	require.NoError(t, err)
}
