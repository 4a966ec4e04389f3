package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/chainlog/internal/ir"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func write(key, value string, version ir.Hash) ir.RecordWrite {
	return ir.RecordWrite{Key: []byte(key), Version: version, Value: []byte(value)}
}

// buildTx serializes writes into a mutation and wraps it in a transaction.
// It returns the transaction and the version the writes will take.
func buildTx(t *testing.T, writes ...ir.RecordWrite) (ir.Transaction, ir.Hash) {
	t.Helper()

	m := ir.Mutation{Namespace: []byte("test"), Records: writes, Metadata: []byte{}}
	raw, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	tx, err := ir.NewTransaction(raw, testEpoch, []byte{})
	if err != nil {
		t.Fatalf("NewTransaction() failed: %v", err)
	}
	return tx, ir.MutationHash(raw)
}

// mustCommit commits writes and fails the test on error.
func mustCommit(t *testing.T, s *Store, writes ...ir.RecordWrite) ir.CommittedTransaction {
	t.Helper()

	tx, version := buildTx(t, writes...)
	entry, err := s.Commit(context.Background(), writes, version, tx)
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return entry
}
