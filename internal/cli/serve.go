package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/marketsync/logging"
	"github.com/c0deZ3R0/marketsync/synckit"
)

type serveOptions struct {
	addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its HTTP endpoints",
		Long: `Load the config file, open the configured store, register an HTTP adapter
per marketplace and run the engine until SIGINT or SIGTERM.

Endpoints:
  /api/...   engine operations (JSON)
  /events    server-sent event stream
  /ws        websocket event stream
  /metrics   Prometheus metrics
  /healthz   health summary

Set ` + EnvJWTSecret + ` to require bearer tokens on /api, /events and /ws.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts.ConfigPath, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func runServe(ctx context.Context, configPath string, opts *serveOptions) error {
	cfg, err := synckit.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logging.Init(logging.ApplyEnv(cfg.Logging))
	logger := logging.Default()

	d, err := newDaemon(cfg, logger, os.Getenv(EnvJWTSecret))
	if err != nil {
		return err
	}
	defer func() {
		if err := d.close(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()
	if d.jwt == nil {
		logger.Warn("authentication disabled", "hint", "set "+EnvJWTSecret)
	}

	if err := d.start(ctx); err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if opts.addr != "" {
		addr = opts.addr
	}
	err = d.serve(ctx, addr)
	logger.Info("marketsyncd stopped")
	return err
}
