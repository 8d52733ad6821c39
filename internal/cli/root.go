// Package cli implements the marketsyncd command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for marketsyncd.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "marketsyncd",
		Short: "Marketplace synchronization daemon",
		Long: `marketsyncd keeps product, order, inventory, category and customer records
consistent across marketplaces. It applies sync rules to incoming changes,
detects and resolves conflicts, and delivers updates through rate-limited
marketplace adapters.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "marketsync.yaml", "config file (yaml or json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}
