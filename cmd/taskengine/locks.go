package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phrazzld/tasktree/internal/lock"
	"github.com/phrazzld/tasktree/internal/store"
)

func (c *cli) locksCmd() *cobra.Command {
	locks := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and maintain execution locks",
	}
	locks.AddCommand(c.locksSweepCmd(), c.locksShowCmd(), c.locksReleaseCmd())
	return locks
}

func (c *cli) locksSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete every expired lock once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b *backend) error {
				sweeper, err := lock.NewSweeper(b.stores.Locks, c.cfg.Locks.SweepSchedule, c.logger)
				if err != nil {
					return err
				}
				removed, err := sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired locks\n", removed)
				return err
			})
		},
	}
}

func (c *cli) locksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print the lock held on key as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b *backend) error {
				row, err := b.stores.Locks.FindLock(ctx, args[0])
				if errors.Is(err, store.ErrLockNotFound) {
					return fmt.Errorf("no lock on %s", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(row)
			})
		},
	}
}

func (c *cli) locksReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <key>",
		Short: "Delete the lock on key regardless of its owner",
		Long: `Release removes a lock left behind by a crashed instance. The
instance that held it, if still running, will fail its next renewal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withBackend(cmd.Context(), func(ctx context.Context, b *backend) error {
				manager := lock.NewManager(b.stores.Locks, c.cfg.Engine.OwnerID, c.logger)
				if err := manager.ForceRelease(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
				return err
			})
		},
	}
}
