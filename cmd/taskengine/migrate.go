package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phrazzld/tasktree/internal/platform/migrate"
	"github.com/phrazzld/tasktree/internal/redact"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [" + strings.Join(migrate.Commands(), "|") + "]",
		Short:     "Manage the database schema",
		Long:      `Apply, roll back, or inspect the embedded schema migrations of the configured driver. The default command is up.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: migrate.Commands(),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := migrate.CommandUp
			if len(args) == 1 {
				command = args[0]
			}
			return c.withBackend(cmd.Context(), func(ctx context.Context, b *backend) error {
				return migrate.Run(ctx, b.migrations, command, c.logger)
			})
		},
	}
}

// withBackend opens the database for the duration of fn.
func (c *cli) withBackend(ctx context.Context, fn func(context.Context, *backend) error) error {
	b, err := openBackend(ctx, c.cfg.Database, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.close(); cerr != nil {
			c.logger.Warn("closing database failed", slog.String("error", redact.Error(cerr)))
		}
	}()
	return fn(ctx, b)
}
