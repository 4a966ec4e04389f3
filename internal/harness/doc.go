// Package harness runs ledger scenarios and compares their traces with
// golden files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: transfer
//	description: "Moving a balance between two accounts"
//	non_negative: ["/acc/*"]
//	rules: |
//	  rule: balances: { match: "/acc/*", max_increase: 1000 }
//	steps:
//	  - name: open
//	    records:
//	      - { key: /acc/alice, value: "100", version: empty }
//	  - name: spend
//	    records:
//	      - { key: /acc/alice, value: "40", version: step:open }
//	  - name: replay-stale
//	    records:
//	      - { key: /acc/alice, value: "0", version: step:open }
//	    expect: CONCURRENCY_CONFLICT
//	assertions:
//	  - { type: record, key: /acc/alice, value: "40", version: step:spend }
//	  - { type: head, seq: 1 }
//	  - { type: chain_valid }
//
// A version is "empty" for a never-written record, "step:<name>" for the
// version produced by an earlier committed step, or a 64 character hex hash.
// expect is "committed" (the default) or a commit error code.
//
// # Determinism
//
// Each run uses a fresh database, a DeterministicClock and fixed commit IDs,
// so the same scenario always produces the same log. Traces name versions by
// the step that produced them, never by hash, so golden files stay readable.
//
// Every run also replays the log through a stream subscription opened before
// the first step, and fails if the stream does not deliver every committed
// transaction in order.
package harness
