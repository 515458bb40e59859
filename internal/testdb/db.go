package testdb

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/platform/postgres"
	"github.com/phrazzld/tasktree/internal/platform/sqlite"
	"github.com/phrazzld/tasktree/internal/redact"
)

// TestTimeout bounds fixture setup.
const TestTimeout = 10 * time.Second

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OpenSQLite opens a fresh, fully migrated SQLite database under t.TempDir.
// The database is closed when the test ends.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "tasktree.db"))
	require.NoError(t, err, "failed to open sqlite database")
	t.Cleanup(func() { _ = db.Close() })

	provider, err := sqlite.NewMigrationProvider(db, Logger())
	require.NoError(t, err)
	_, err = provider.Up(ctx)
	require.NoError(t, err, "failed to apply sqlite migrations")
	return db
}

// OpenPostgres connects to the configured PostgreSQL test database, applies
// migrations and empties every table. The test is skipped when no database is
// configured.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()

	url := GetTestDatabaseURL()
	if url == "" {
		t.Skip("DATABASE_URL not set - skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := postgres.Open(ctx, url, postgres.PoolConfig{MaxOpenConns: 5})
	require.NoError(t, err, "failed to connect to %s", redact.DatabaseURL(url))
	t.Cleanup(func() { _ = db.Close() })

	provider, err := postgres.NewMigrationProvider(db, Logger())
	require.NoError(t, err)
	_, err = provider.Up(ctx)
	require.NoError(t, err, "failed to apply postgres migrations")

	ResetPostgres(t, db)
	return db
}

// ResetPostgres removes every row written by the engine.
func ResetPostgres(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE execution_locks, completed_tasks, shared_contexts, running_tasks`)
	require.NoError(t, err, "failed to truncate tables")
}
