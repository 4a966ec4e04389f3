package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/chainlog/internal/ir"
)

// Commit applies writes and appends tx to the log in one SQLite transaction.
// Every record touched takes version as its new version. If any
// precondition fails, nothing is written and a *ConflictError is returned.
//
// Positions are assigned here as MAX(seq)+1, so a rolled back commit never
// consumes one.
func (s *Store) Commit(ctx context.Context, writes []ir.RecordWrite, version ir.Hash, tx ir.Transaction) (ir.CommittedTransaction, error) {
	entry, err := prepareEntry(tx)
	if err != nil {
		return ir.CommittedTransaction{}, err
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("commit: begin tx: %w", err)
	}
	defer dbtx.Rollback()

	head, prev, err := headTx(ctx, dbtx)
	if err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("commit: %w", err)
	}
	entry.Seq = head + 1
	entry.ChainHash = ir.ChainHash(prev, entry.Hash)

	if err := applyWrites(ctx, dbtx, writes, version, entry.Seq); err != nil {
		return ir.CommittedTransaction{}, err
	}
	if err := insertEntry(ctx, dbtx, entry); err != nil {
		return ir.CommittedTransaction{}, err
	}

	if err := dbtx.Commit(); err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

// Append adds tx to the end of the log without touching any record.
//
// It is the raw log append: the writes inside tx are not applied, so after
// an Append the records table no longer equals the result of replaying the
// log, and `chainlog replay` reports the ledger as diverged. Commits go
// through Commit; Append is for entries that carry no record state, such as
// an imported history whose records are loaded separately.
func (s *Store) Append(ctx context.Context, tx ir.Transaction) (ir.CommittedTransaction, error) {
	entry, err := prepareEntry(tx)
	if err != nil {
		return ir.CommittedTransaction{}, err
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("append: begin tx: %w", err)
	}
	defer dbtx.Rollback()

	head, prev, err := headTx(ctx, dbtx)
	if err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("append: %w", err)
	}
	entry.Seq = head + 1
	entry.ChainHash = ir.ChainHash(prev, entry.Hash)

	if err := insertEntry(ctx, dbtx, entry); err != nil {
		return ir.CommittedTransaction{}, err
	}

	if err := dbtx.Commit(); err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("append: commit: %w", err)
	}
	return entry, nil
}

// ReadTransaction returns the entry at seq, or ErrNotFound.
func (s *Store) ReadTransaction(ctx context.Context, seq int64) (ir.CommittedTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, hash, mutation_hash, chain_hash, raw
		FROM transactions WHERE seq = ?
	`, seq)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CommittedTransaction{}, fmt.Errorf("transaction %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("read transaction %d: %w", seq, err)
	}
	return entry, nil
}

// ReadTransactionByHash returns the entry whose content hash is hash.
func (s *Store) ReadTransactionByHash(ctx context.Context, hash ir.Hash) (ir.CommittedTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, hash, mutation_hash, chain_hash, raw
		FROM transactions WHERE hash = ?
	`, []byte(hash))
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CommittedTransaction{}, fmt.Errorf("transaction %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("read transaction %s: %w", hash, err)
	}
	return entry, nil
}

// ReadRange returns entries with from <= seq < to in ascending order.
// A negative to reads through the current head.
func (s *Store) ReadRange(ctx context.Context, from, to int64) ([]ir.CommittedTransaction, error) {
	if from < 0 {
		from = 0
	}

	query := `SELECT seq, hash, mutation_hash, chain_hash, raw FROM transactions WHERE seq >= ?`
	args := []any{from}
	if to >= 0 {
		if to <= from {
			return []ir.CommittedTransaction{}, nil
		}
		query += ` AND seq < ?`
		args = append(args, to)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	defer rows.Close()

	entries := []ir.CommittedTransaction{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("read range: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}

	return entries, nil
}

// Head returns the position and chain hash of the last entry.
// An empty log returns -1 and the sentinel.
func (s *Store) Head(ctx context.Context) (int64, ir.Hash, error) {
	return headTx(ctx, s.db)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headTx(ctx context.Context, q querier) (int64, ir.Hash, error) {
	var (
		seq   int64
		chain []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT seq, chain_hash FROM transactions ORDER BY seq DESC LIMIT 1
	`).Scan(&seq, &chain)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, ir.SentinelVersion, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read head: %w", err)
	}
	return seq, ir.Hash(chain), nil
}

// prepareEntry serializes tx and fills in everything but Seq and ChainHash.
func prepareEntry(tx ir.Transaction) (ir.CommittedTransaction, error) {
	raw, err := tx.Marshal()
	if err != nil {
		return ir.CommittedTransaction{}, err
	}
	return ir.CommittedTransaction{
		Hash:         ir.TransactionHash(raw),
		MutationHash: ir.MutationHash(tx.Mutation),
		Raw:          raw,
		Transaction:  tx,
	}, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry ir.CommittedTransaction) error {
	var exists int
	err := tx.QueryRowContext(ctx, `
		SELECT 1 FROM transactions WHERE hash = ?
	`, []byte(entry.Hash)).Scan(&exists)
	if err == nil {
		return fmt.Errorf("transaction %s: %w", entry.Hash, ErrDuplicate)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check duplicate: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (seq, hash, mutation_hash, chain_hash, raw, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Seq, []byte(entry.Hash), []byte(entry.MutationHash), []byte(entry.ChainHash),
		entry.Raw, entry.Transaction.Timestamp.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert transaction %d: %w", entry.Seq, err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one transactions row and decodes its raw bytes.
func scanEntry(row scanner) (ir.CommittedTransaction, error) {
	var (
		entry              ir.CommittedTransaction
		hash, mhash, chain []byte
	)
	if err := row.Scan(&entry.Seq, &hash, &mhash, &chain, &entry.Raw); err != nil {
		return ir.CommittedTransaction{}, err
	}
	entry.Hash = ir.Hash(hash)
	entry.MutationHash = ir.Hash(mhash)
	entry.ChainHash = ir.Hash(chain)

	tx, err := ir.UnmarshalTransaction(entry.Raw)
	if err != nil {
		return ir.CommittedTransaction{}, fmt.Errorf("decode transaction %d: %w", entry.Seq, err)
	}
	entry.Transaction = tx
	return entry, nil
}
