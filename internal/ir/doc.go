// Package ir provides the canonical data model for the chainlog ledger.
//
// This package contains the record, mutation and transaction types together
// with their canonical serialization and content hashes. All other internal
// packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Mutations and transactions are serialized as RFC 8785 canonical JSON,
//     byte fields as standard padded base64
//   - Identity is always the SHA-256 of the canonical bytes with domain
//     separation (see hash.go)
//   - A record's version is the hash of the mutation that last wrote it;
//     a never-written record carries the empty sentinel version
//   - Timestamps are UTC with microsecond precision so that a decoded
//     transaction re-encodes to identical bytes
package ir
