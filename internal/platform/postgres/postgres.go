package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	// pgx database/sql driver, registered as "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/phrazzld/tasktree/internal/platform/migrate"
	"github.com/phrazzld/tasktree/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to url through the pgx stdlib driver and verifies the
// connection with a ping.
func Open(ctx context.Context, url string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		// ALLOW-PANIC: the embedded directory is fixed at compile time
		panic(err)
	}
	return sub
}

// NewMigrationProvider returns a goose provider for the embedded migrations.
func NewMigrationProvider(db *sql.DB, logger *slog.Logger) (*goose.Provider, error) {
	return migrate.NewProvider(goose.DialectPostgres, db, Migrations(), logger)
}

// NewStores wires every repository over db.
func NewStores(db *sql.DB, logger *slog.Logger, opts ...Option) store.Stores {
	return store.Stores{
		Running:   NewPostgresRunningTaskStore(db, logger, opts...),
		Completed: NewPostgresCompletedTaskStore(db, logger),
		Contexts:  NewPostgresSharedContextStore(db, logger, opts...),
		Migration: NewPostgresMigrationStore(db, logger, opts...),
		Locks:     NewPostgresLockStore(db, logger, opts...),
	}
}
