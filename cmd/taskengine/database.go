package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/phrazzld/tasktree/internal/config"
	"github.com/phrazzld/tasktree/internal/platform/postgres"
	"github.com/phrazzld/tasktree/internal/platform/sqlite"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// backend is an open database with its repositories and migrations.
type backend struct {
	db         *sql.DB
	stores     store.Stores
	migrations *goose.Provider
}

// openBackend connects to the configured database and wires the repositories
// of the matching driver.
func openBackend(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*backend, error) {
	log.Info("opening database",
		slog.String("driver", cfg.Driver),
		slog.String("url", redact.DatabaseURL(cfg.URL)))

	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		provider, err := postgres.NewMigrationProvider(db, log)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{db: db, stores: postgres.NewStores(db, log), migrations: provider}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		provider, err := sqlite.NewMigrationProvider(db, log)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{db: db, stores: sqlite.NewStores(db, log), migrations: provider}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func (b *backend) close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
