// Package store provides SQLite-backed durable storage for the chainlog ledger.
//
// The store holds two tables in one database:
//   - records: the latest value and version of every key (the record store)
//   - transactions: the append-only, hash-chained transaction log
//
// # Critical Patterns
//
// Atomic commit: Commit applies a batch of record writes and appends the
// transaction in a single SQLite transaction. A reader never observes a
// partially applied batch, and a record never changes without a log entry.
//
// Compare-and-swap: every write carries the version it expects. A write
// whose expected version no longer matches aborts the whole batch with
// ErrConflict. There is no lock held between a caller's read and its write.
//
// Logical positions: seq is assigned as MAX(seq)+1 inside the committing
// transaction. A rolled back commit consumes no position, so the log is
// gap-free. All log queries use ORDER BY seq ASC.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// All hashes are computed via functions in internal/ir/hash.go.
package store
