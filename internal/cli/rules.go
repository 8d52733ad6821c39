package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/marketsync/synckit"
)

// NewRulesCommand groups rule file tooling.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with sync rule files",
	}
	cmd.AddCommand(newRulesValidateCommand())
	return cmd
}

func newRulesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a sync rules file",
		Long: `Parse a YAML or JSON rules file and check every rule: entity type,
marketplaces, direction, conflict policy, conditions and transformations,
including calculate expressions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRulesValidate(args[0], cmd.OutOrStdout())
		},
	}
}

func runRulesValidate(path string, out io.Writer) error {
	rules, err := synckit.LoadRules(path)
	if err != nil {
		return err
	}
	enabled := 0
	for _, r := range rules {
		state := "disabled"
		if r.Enabled {
			state = "enabled"
			enabled++
		}
		fmt.Fprintf(out, "%-24s %-10s %s -> %v (%s)\n", r.ID, r.EntityType, r.SourceMarketplace, r.TargetMarketplaces, state)
	}
	fmt.Fprintf(out, "%d rules OK, %d enabled\n", len(rules), enabled)
	return nil
}
