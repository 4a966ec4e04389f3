package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Into string // target database; a temporary one when empty
}

// ReplayResult holds the outcome of rebuilding a ledger from its log.
type ReplayResult struct {
	Transactions  int    `json:"transactions"`
	Records       int    `json:"records"`
	Deterministic bool   `json:"deterministic"`
	ChainHash     string `json:"chain_hash"`
	DivergedAt    *int64 `json:"diverged_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the ledger from its log and verify determinism",
		Long: `Re-apply every transaction of the log, in order, to an empty database and
check that the rebuilt log has the same positions, hashes and chain, and
that the rebuilt records match the current ones.

Exit codes:
  0 - The rebuilt ledger is identical
  1 - Replay diverged
  2 - Command error (database not found, target not empty, etc.)

Examples:
  chainlog replay --db ./ledger.db
  chainlog replay --db ./ledger.db --into ./rebuilt.db
  chainlog replay --db ./ledger.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Into, "into", "", "write the rebuilt ledger to this database (must be empty)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	src, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(src)

	target := opts.Into
	if target == "" {
		dir, err := os.MkdirTemp("", "chainlog-replay-*")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create temp dir", err)
		}
		defer os.RemoveAll(dir)
		target = filepath.Join(dir, "replay.db")
	}
	dst, err := store.Open(target)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open target database", err)
	}
	defer closeStore(dst)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if head, _, err := dst.Head(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to read target head", err)
	} else if head >= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("target database %s is not empty", target))
	}

	entries, err := src.ReadRange(ctx, 0, -1)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log", err)
	}

	result, err := replayLog(ctx, src, dst, entries, formatter)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	if !result.Deterministic {
		if outErr := formatter.Error("REPLAY_DIVERGED", result.Reason, result); outErr != nil {
			return outErr
		}
		return NewExitError(ExitFailure, "replay diverged")
	}

	return formatter.Success(result, fmt.Sprintf("✓ Replayed %s into %s, chain %s",
		count(result.Transactions, "transaction"), count(result.Records, "record"), short(result.ChainHash)))
}

// replayLog applies entries to dst. A returned error is an operational
// failure; divergence is reported in the result.
func replayLog(ctx context.Context, src, dst *store.Store, entries []ir.CommittedTransaction, f *OutputFormatter) (ReplayResult, error) {
	result := ReplayResult{Deterministic: true}
	diverged := func(seq int64, reason string) (ReplayResult, error) {
		result.Deterministic = false
		result.DivergedAt = &seq
		result.Reason = reason
		return result, nil
	}

	for _, entry := range entries {
		m, err := entry.Transaction.DecodeMutation()
		if err != nil {
			return diverged(entry.Seq, fmt.Sprintf("decode mutation: %v", err))
		}

		got, err := dst.Commit(ctx, m.Records, entry.MutationHash, entry.Transaction)
		if errors.Is(err, store.ErrConflict) {
			return diverged(entry.Seq, err.Error())
		}
		if err != nil {
			return result, err
		}
		f.VerboseLog("#%d %s", got.Seq, short(got.Hash.Hex()))

		switch {
		case got.Seq != entry.Seq:
			return diverged(entry.Seq, fmt.Sprintf("rebuilt at seq %d", got.Seq))
		case !got.Hash.Equal(entry.Hash):
			return diverged(entry.Seq, "transaction hash differs")
		case !got.ChainHash.Equal(entry.ChainHash):
			return diverged(entry.Seq, "chain hash differs")
		}
		result.Transactions++
		result.ChainHash = got.ChainHash.Hex()
	}

	want, err := src.ListRecords(ctx, nil, 0)
	if err != nil {
		return result, err
	}
	got, err := dst.ListRecords(ctx, nil, 0)
	if err != nil {
		return result, err
	}
	result.Records = len(got)
	if !reflect.DeepEqual(want, got) {
		return diverged(int64(len(entries)), "rebuilt records differ from current records")
	}
	return result, nil
}
