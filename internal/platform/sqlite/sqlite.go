package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"

	// pure-Go SQLite driver, registered as "sqlite"
	_ "modernc.org/sqlite"

	"github.com/phrazzld/tasktree/internal/platform/migrate"
	"github.com/phrazzld/tasktree/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Open opens the database file at path in WAL mode with foreign keys enabled.
// The pool is limited to one connection so writers never contend for the file
// lock.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
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
	return migrate.NewProvider(goose.DialectSQLite3, db, Migrations(), logger)
}

// NewStores wires every repository over db.
func NewStores(db *sql.DB, logger *slog.Logger, opts ...Option) store.Stores {
	return store.Stores{
		Running:   NewRunningTaskStore(db, logger, opts...),
		Completed: NewCompletedTaskStore(db, logger, opts...),
		Contexts:  NewSharedContextStore(db, logger, opts...),
		Migration: NewMigrationStore(db, logger, opts...),
		Locks:     NewLockStore(db, logger, opts...),
	}
}
