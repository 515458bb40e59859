package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phrazzld/tasktree/internal/config"
	"github.com/phrazzld/tasktree/internal/platform/logger"
)

// cli carries state shared by every subcommand once the root's
// PersistentPreRunE has loaded configuration.
type cli struct {
	cfgFile  string
	logLevel string

	logOut io.Writer
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	return newCLI(os.Stdout).rootCmd()
}

func newCLI(logOut io.Writer) *cli {
	return &cli{logOut: logOut}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskengine",
		Short: "Hierarchical task tree workflow engine",
		Long: `taskengine runs trees of tasks whose state is kept in memory and
synchronized to a relational store in the background. Finished trees are
migrated to an archive table; running trees are rebuilt on restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return c.initConfig()
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "",
		"config file (default: ./tasktree.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")

	root.AddCommand(c.serveCmd(), c.migrateCmd(), c.locksCmd())
	return root
}

func (c *cli) initConfig() error {
	cfg, err := config.LoadFile(c.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if c.logLevel != "" {
		if _, ok := logger.ParseLevel(c.logLevel); !ok {
			return fmt.Errorf("invalid log level %q", c.logLevel)
		}
		cfg.Server.LogLevel = c.logLevel
	}

	log, err := logger.SetupWithWriter(cfg.Server, c.logOut)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	c.cfg = cfg
	c.logger = log
	return nil
}
