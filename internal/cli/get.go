package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Prefix bool
	Limit  int
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Show the current value and version of records",
		Long: `Show the current value and version of a record. A key that was never
written shows an empty value and the "empty" version.

With --prefix, list every written record whose key starts with the argument.

Examples:
  chainlog get --db ./ledger.db /acc/alice
  chainlog get --db ./ledger.db --prefix /acc/ --limit 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Prefix, "prefix", false, "treat the argument as a key prefix")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records to list with --prefix (0 = all)")

	return cmd
}

func runGet(opts *GetOptions, key string, cmd *cobra.Command) error {
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

	if !opts.Prefix {
		rec, err := st.GetRecord(ctx, []byte(key))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read record", err)
		}
		return formatter.Success(toRecordView(rec),
			fmt.Sprintf("%s = %s (version %s)", printable(rec.Key), printable(rec.Value), rec.Version))
	}

	recs, err := st.ListRecords(ctx, []byte(key), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list records", err)
	}
	views := make([]recordView, len(recs))
	var text strings.Builder
	fmt.Fprintf(&text, "%s under %s", count(len(recs), "record"), printable([]byte(key)))
	for i, rec := range recs {
		views[i] = toRecordView(rec)
		fmt.Fprintf(&text, "\n  %s = %s (version %s)", printable(rec.Key), printable(rec.Value), short(rec.Version.Hex()))
	}
	return formatter.Success(views, text.String())
}
