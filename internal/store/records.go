package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/chainlog/internal/ir"
)

// GetRecord returns the current value and version of key.
// An absent key returns an empty value and the sentinel version.
func (s *Store) GetRecord(ctx context.Context, key []byte) (ir.Record, error) {
	rec := ir.Record{Key: key, Value: []byte{}, Version: ir.SentinelVersion}

	var value, version []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value, version FROM records WHERE key = ?
	`, nonNil(key)).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("get record: %w", err)
	}

	rec.Value = nonNil(value)
	rec.Version = ir.Hash(version)
	return rec, nil
}

// GetRecords reads several keys in one snapshot. The result has one entry
// per key, in input order, with absent keys filled in as in GetRecord.
func (s *Store) GetRecords(ctx context.Context, keys [][]byte) ([]ir.Record, error) {
	out := make([]ir.Record, len(keys))
	for i, k := range keys {
		out[i] = ir.Record{Key: k, Value: []byte{}, Version: ir.SentinelVersion}
	}
	if len(keys) == 0 {
		return out, nil
	}

	index := make(map[string]int, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		index[string(k)] = i
		args[i] = nonNil(k)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, version FROM records WHERE key IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value, version []byte
		if err := rows.Scan(&key, &value, &version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		i, ok := index[string(key)]
		if !ok {
			continue
		}
		out[i].Value = nonNil(value)
		out[i].Version = ir.Hash(version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return out, nil
}

// ListRecords returns written records whose key starts with prefix, ordered
// by key. A limit <= 0 means no limit.
func (s *Store) ListRecords(ctx context.Context, prefix []byte, limit int) ([]ir.Record, error) {
	query := `SELECT key, value, version FROM records WHERE substr(key, 1, ?) = ? ORDER BY key ASC`
	args := []any{len(prefix), nonNil(prefix)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		var rec ir.Record
		var version []byte
		if err := rows.Scan(&rec.Key, &rec.Value, &version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Value = nonNil(rec.Value)
		rec.Version = ir.Hash(version)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// Apply atomically writes a batch of records, setting each to version.
// Every write's Version is a compare-and-swap precondition; if any fails,
// nothing is written and a *ConflictError is returned.
//
// Apply does not append to the transaction log. The commit engine uses
// Commit, which does both in one transaction.
func (s *Store) Apply(ctx context.Context, writes []ir.RecordWrite, version ir.Hash) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply: begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, _, err := headTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if err := applyWrites(ctx, tx, writes, version, seq); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply: commit: %w", err)
	}
	return nil
}

// applyWrites performs the compare-and-swap for each write inside tx.
// seq is recorded as the position of the last writer.
func applyWrites(ctx context.Context, tx *sql.Tx, writes []ir.RecordWrite, version ir.Hash, seq int64) error {
	if len(version) == 0 {
		return fmt.Errorf("apply: new version must not be the sentinel")
	}

	for _, w := range writes {
		var (
			res sql.Result
			err error
		)
		if w.Version.IsSentinel() {
			// Never-written keys have no row; a concurrent first write wins the insert.
			res, err = tx.ExecContext(ctx, `
				INSERT INTO records (key, value, version, seq)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(key) DO NOTHING
			`, nonNil(w.Key), nonNil(w.Value), []byte(version), seq)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE records SET value = ?, version = ?, seq = ?
				WHERE key = ? AND version = ?
			`, nonNil(w.Value), []byte(version), seq, nonNil(w.Key), []byte(w.Version))
		}
		if err != nil {
			return fmt.Errorf("apply: write %q: %w", w.Key, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("apply: rows affected: %w", err)
		}
		if n == 0 {
			return &ConflictError{Key: w.Key, Expected: w.Version}
		}
	}
	return nil
}

// nonNil maps nil to an empty slice; go-sqlite3 binds nil []byte as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
