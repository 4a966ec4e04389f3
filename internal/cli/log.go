package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	From int64
	To   int64
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List committed transactions",
		Long: `List transactions with from <= seq < to, in log order.
A negative --to lists through the head.

Examples:
  chainlog log --db ./ledger.db
  chainlog log --db ./ledger.db --from 10 --to 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "first position")
	cmd.Flags().Int64Var(&opts.To, "to", -1, "end position, exclusive (-1 = head)")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
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
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entries, err := st.ReadRange(ctx, opts.From, opts.To)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log", err)
	}

	views := make([]entryView, len(entries))
	var text strings.Builder
	fmt.Fprint(&text, count(len(entries), "transaction"))
	for i, e := range entries {
		v, err := toEntryView(e)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("transaction %d is unreadable", e.Seq), err)
		}
		views[i] = v
		fmt.Fprintf(&text, "\n%s", v.line())
		if opts.Verbose {
			for _, r := range v.Records {
				fmt.Fprintf(&text, "\n    %s = %s (expected %s)", printable(r.Key), printable(r.Value), short(r.Version))
			}
		}
	}
	return formatter.Success(views, text.String())
}
