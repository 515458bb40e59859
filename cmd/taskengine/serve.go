package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		Long: `Run recovers persisted task trees, starts the background subscribers
and the expired-lock sweeper, and serves the ops API when server.ops_port is
set. SIGINT or SIGTERM triggers a graceful shutdown that flushes pending
writes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	app, err := newApplication(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.close() }()
	return app.run(ctx)
}
