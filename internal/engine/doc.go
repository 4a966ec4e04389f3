// Package engine implements the chainlog commit pipeline.
//
// A submitted mutation moves through these states:
//
//	received → precondition_checked → rule_evaluated → applied → committed
//
// and may stop at any point as rejected. Each rejection is a *CommitError
// whose Code tells the submitter what happened:
//
//   - MALFORMED_INPUT: the bytes did not decode, or a structural limit was hit
//   - CONCURRENCY_CONFLICT: an expected version was stale
//   - RULE_VIOLATION: the validator said no
//   - STORE_UNAVAILABLE: the store failed; nothing was written
//
// Preconditions are checked twice. The first check runs against a fresh
// read and feeds the validator. The second is the store's compare-and-swap,
// applied in the same SQLite transaction that appends to the log, so a
// mutation that lost a race after validation still fails with a conflict
// and is never silently retried.
//
// Publishing happens after the store commit returns. A slow or failing
// subscriber never fails a commit.
package engine
