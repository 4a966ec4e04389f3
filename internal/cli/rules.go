package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chainlog/internal/rules"
)

// RulesCheckResult is the JSON payload of a successful rules check.
type RulesCheckResult struct {
	Valid bool         `json:"valid"`
	Rules []rules.Rule `json:"rules"`
}

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with validation rule files",
	}
	cmd.AddCommand(newRulesCheckCommand(rootOpts))
	return cmd
}

func newRulesCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Compile a CUE rules file or directory and list its rules",
		Long: `Compile a CUE rules file, or every CUE file in a directory, without
opening a database. Reports the first compile error with its position.

Exit codes:
  0 - Rules are valid
  1 - Rules are invalid
  2 - Command error (path not found)

Example:
  chainlog rules check ./rules.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesCheck(rootOpts, args[0], cmd)
		},
	}
}

func runRulesCheck(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "rules path not found", err)
	}

	rs, err := rules.LoadRuleSet(path)
	if err != nil {
		var compileErr *rules.CompileError
		if errors.As(err, &compileErr) {
			details := map[string]any{"field": compileErr.Field}
			if compileErr.Pos.IsValid() {
				details["line"] = compileErr.Pos.Line()
			}
			if outErr := formatter.Error("RULES_INVALID", compileErr.Error(), details); outErr != nil {
				return outErr
			}
		} else if outErr := formatter.Error("RULES_INVALID", err.Error(), nil); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "rules are invalid", err)
	}

	list := rs.Rules()
	var text strings.Builder
	fmt.Fprintf(&text, "%s: %s", path, count(len(list), "rule"))
	for _, r := range list {
		fmt.Fprintf(&text, "\n  %s match=%q", r.Name, r.Match)
		if r.Readonly {
			text.WriteString(" readonly")
		}
		if r.MaxIncrease != nil {
			fmt.Fprintf(&text, " max_increase=%d", *r.MaxIncrease)
		}
		if !r.AllowClear {
			text.WriteString(" no_clear")
		}
		if r.HasSchema {
			text.WriteString(" schema")
		}
	}
	return formatter.Success(RulesCheckResult{Valid: true, Rules: list}, text.String())
}
