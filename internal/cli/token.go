package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/marketsync/auth"
)

// EnvJWTSecret names the variable holding the HS256 signing secret.
const EnvJWTSecret = "MARKETSYNC_JWT_SECRET"

type tokenOptions struct {
	subject      string
	marketplaces []string
	ttl          time.Duration
}

// NewTokenCommand creates the token command, which mints API and stream tokens.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		Long: `Issue an HS256 token signed with $` + EnvJWTSecret + `.

The token grants access to the listed marketplaces; "*" grants all of them
and is required for rule management.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, os.Getenv(EnvJWTSecret), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.subject, "subject", "", "token subject (required)")
	cmd.Flags().StringSliceVarP(&opts.marketplaces, "marketplace", "m", nil, "granted marketplace ids, repeatable or comma separated")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runToken(opts *tokenOptions, secret string, out io.Writer) error {
	if secret == "" {
		return fmt.Errorf("%s is not set", EnvJWTSecret)
	}
	if len(opts.marketplaces) == 0 {
		return errors.New("at least one --marketplace is required")
	}
	m, err := auth.NewJWTManager(secret, opts.ttl)
	if err != nil {
		return err
	}
	token, err := m.GenerateToken(opts.subject, opts.marketplaces...)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
