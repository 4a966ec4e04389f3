package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/chainlog/internal/store"
)

// VerifyResult is the JSON payload of a successful verify.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	Transactions int64  `json:"transactions"`
	Head         int64  `json:"head"`
	ChainHash    string `json:"chain_hash"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the integrity of the transaction log",
		Long: `Re-derive every transaction hash, mutation hash and chain link in the
log, and check that positions are gap-free.

Exit codes:
  0 - The chain is intact
  1 - The chain is broken
  2 - Command error

Example:
  chainlog verify --db ./ledger.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}

	return cmd
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := st.VerifyChain(ctx); err != nil {
		var chainErr *store.ChainError
		if !errors.As(err, &chainErr) {
			return WrapExitError(ExitCommandError, "failed to verify chain", err)
		}
		if outErr := formatter.Error("CHAIN_BROKEN", chainErr.Reason, map[string]int64{"seq": chainErr.Seq}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "chain verification failed", err)
	}

	head, chain, err := st.Head(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read head", err)
	}
	result := VerifyResult{Valid: true, Transactions: head + 1, Head: head, ChainHash: chain.Hex()}
	return formatter.Success(result, fmt.Sprintf("Chain intact: %s, head %d (%s)",
		count(int(result.Transactions), "transaction"), head, short(result.ChainHash)))
}
