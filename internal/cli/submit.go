package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/ir"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	File     string
	Set      []string
	Clear    []string
	Metadata string
}

// SubmitResult is the JSON payload of a successful submit.
type SubmitResult struct {
	Seq             int64  `json:"seq"`
	TransactionHash string `json:"transaction_hash"`
	MutationHash    string `json:"mutation_hash"`
	Records         int    `json:"records"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Commit a mutation to the local database",
		Long: `Commit a mutation directly against the database.

With --file, the mutation is read as serialized JSON ("-" reads stdin) and
committed exactly as given, expected versions included.

With --set and --clear, the mutation is built from the current state: each
write expects the version the record holds right now.

Exit codes:
  0 - Committed
  1 - Rejected (conflict, rule violation, malformed input)
  2 - Command error

Examples:
  chainlog submit --db ./ledger.db --set /acc/alice=100 --set /acc/bob=50
  chainlog submit --db ./ledger.db --clear /acc/bob --metadata "close account"
  chainlog submit --db ./ledger.db --file mutation.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "serialized mutation file (- for stdin)")
	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "write key=value at the current version (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Clear, "clear", nil, "clear key at the current version (repeatable)")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "transaction metadata")

	return cmd
}

func runSubmit(opts *SubmitOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	hasWrites := len(opts.Set) > 0 || len(opts.Clear) > 0
	if opts.File == "" && !hasWrites {
		return NewExitError(ExitCommandError, "one of --file, --set or --clear is required")
	}
	if opts.File != "" && hasWrites {
		return NewExitError(ExitCommandError, "--file cannot be combined with --set or --clear")
	}

	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	eng, err := newEngine(cfg, st)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	metadata := []byte(opts.Metadata)

	var res *engine.CommitResult
	if opts.File != "" {
		raw, err := readInput(opts.File, cmd.InOrStdin())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read mutation", err)
		}
		res, err = eng.Commit(ctx, raw, metadata)
		if err != nil {
			return commitFailed(formatter, err)
		}
	} else {
		writes, err := parseWrites(opts.Set, opts.Clear)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid writes", err)
		}
		current, err := st.GetRecords(ctx, ir.Mutation{Records: writes}.Keys())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read current versions", err)
		}
		for i := range writes {
			writes[i].Version = current[i].Version
			formatter.VerboseLog("%s expects version %s", writes[i].Key, writes[i].Version)
		}
		res, err = eng.CommitMutation(ctx, ir.Mutation{Records: writes}, metadata)
		if err != nil {
			return commitFailed(formatter, err)
		}
	}

	result := SubmitResult{
		Seq:             res.Entry.Seq,
		TransactionHash: res.Entry.Hash.Hex(),
		MutationHash:    res.Entry.MutationHash.Hex(),
		Records:         len(res.Mutation.Records),
	}
	return formatter.Success(result, fmt.Sprintf("Committed %s at seq %d\n  transaction: %s\n  version:     %s",
		count(result.Records, "record"), result.Seq, result.TransactionHash, result.MutationHash))
}

// commitFailed reports a rejected mutation and returns the matching exit error.
func commitFailed(formatter *OutputFormatter, err error) error {
	var ce *engine.CommitError
	if !errors.As(err, &ce) {
		return WrapExitError(ExitCommandError, "commit failed", err)
	}

	var details any
	if len(ce.Key) > 0 {
		details = map[string]string{"key": string(ce.Key), "stage": string(ce.Stage)}
	}
	if outErr := formatter.Error(string(ce.Code), ce.Message, details); outErr != nil {
		return outErr
	}
	if ce.Code == engine.ErrCodeStoreUnavailable {
		return WrapExitError(ExitCommandError, "store unavailable", err)
	}
	return WrapExitError(ExitFailure, "mutation rejected", err)
}

// parseWrites turns --set key=value and --clear key into record writes,
// in flag order (sets first).
func parseWrites(set, clears []string) ([]ir.RecordWrite, error) {
	writes := make([]ir.RecordWrite, 0, len(set)+len(clears))
	for _, kv := range set {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: want key=value", kv)
		}
		writes = append(writes, ir.RecordWrite{Key: []byte(key), Value: []byte(value)})
	}
	for _, key := range clears {
		if key == "" {
			return nil, fmt.Errorf("--clear: empty key")
		}
		writes = append(writes, ir.RecordWrite{Key: []byte(key), Value: []byte{}})
	}
	return writes, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
