package store

import (
	"context"
	"fmt"

	"github.com/roach88/chainlog/internal/ir"
)

// VerifyChain walks the whole log and re-derives every hash.
// It returns a *ChainError for the first entry that does not check out.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, hash, mutation_hash, chain_hash, raw
		FROM transactions ORDER BY seq ASC
	`)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	defer rows.Close()

	expected := int64(0)
	prev := ir.SentinelVersion
	for rows.Next() {
		var seq int64
		var hash, mhash, chain, raw []byte
		if err := rows.Scan(&seq, &hash, &mhash, &chain, &raw); err != nil {
			return fmt.Errorf("verify chain: %w", err)
		}

		if seq != expected {
			return &ChainError{Seq: seq, Reason: fmt.Sprintf("expected seq %d", expected)}
		}
		if !ir.TransactionHash(raw).Equal(hash) {
			return &ChainError{Seq: seq, Reason: "transaction hash mismatch"}
		}
		tx, err := ir.UnmarshalTransaction(raw)
		if err != nil {
			return &ChainError{Seq: seq, Reason: err.Error()}
		}
		if !ir.MutationHash(tx.Mutation).Equal(mhash) {
			return &ChainError{Seq: seq, Reason: "mutation hash mismatch"}
		}
		link := ir.ChainHash(prev, hash)
		if !link.Equal(chain) {
			return &ChainError{Seq: seq, Reason: "chain hash mismatch"}
		}

		prev = link
		expected++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}
	return nil
}
