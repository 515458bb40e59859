package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/config"
	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/sqlite"
	"github.com/phrazzld/tasktree/internal/store"
	"github.com/phrazzld/tasktree/internal/testdb"
)

const configTemplate = `server:
  log_level: debug
  ops_port: %d
database:
  driver: sqlite
  url: %s
  auto_migrate: true
engine:
  owner_id: test-engine
  recover_on_start: true
  shutdown_timeout: 5s
  drain_timeout: 2s
locks:
  default_ttl: 30s
  sweep_schedule: "@every 1h"
  acquire_attempts: 2
  acquire_base_delay: 10ms
`

// writeConfig writes a SQLite config into a temp dir and returns its path
// and the database path.
func writeConfig(t *testing.T, opsPort int) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "engine.db")
	cfgPath = filepath.Join(dir, "tasktree.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(configTemplate, opsPort, dbPath)), 0o600))
	return cfgPath, dbPath
}

func loadConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	return cfg
}

// execute runs the root command with args and returns its stdout and log output.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	root := newCLI(&logs).rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), logs.String(), err
}

// withStores opens the database at path, migrated, for direct seeding.
func withStores(t *testing.T, path string, fn func(ctx context.Context, stores store.Stores)) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	provider, err := sqlite.NewMigrationProvider(db, testdb.Logger())
	require.NoError(t, err)
	_, err = provider.Up(ctx)
	require.NoError(t, err)

	fn(ctx, sqlite.NewStores(db, testdb.Logger()))
}

func seedRow(id, rootID, parentID string, status domain.TaskStatus, seq int) domain.TaskSnapshot {
	created := time.Date(2026, 5, 1, 8, 0, seq, 0, time.UTC)
	return domain.TaskSnapshot{
		ID:         id,
		RootTaskID: rootID,
		ParentID:   parentID,
		Name:       id,
		Type:       domain.NodeTypeDirectory,
		Status:     status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}
