package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// MigrationStore implements store.TaskMigrationRepository on SQLite.
type MigrationStore struct {
	db     *sql.DB
	logger *slog.Logger
	opts   options
}

// NewMigrationStore creates a MigrationStore.
func NewMigrationStore(db *sql.DB, logger *slog.Logger, opts ...Option) *MigrationStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationStore{
		db:     db,
		logger: logger.With(slog.String("component", "migration_store")),
		opts:   buildOptions(opts),
	}
}

var _ store.TaskMigrationRepository = (*MigrationStore)(nil)

// MigrateTaskTree implements store.TaskMigrationRepository.MigrateTaskTree
func (s *MigrationStore) MigrateTaskTree(
	ctx context.Context,
	rootTaskID string,
	treeStatus domain.TaskStatus,
) (store.MigrationResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("root_task_id", rootTaskID))
	archived := domain.ArchivalStatus(treeStatus)
	var migrated int64

	err := store.RunInTransaction(logger.WithLogger(ctx, log), s.db, func(ctx context.Context, tx *sql.Tx) error {
		var sharedContext sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT data FROM shared_contexts WHERE root_task_id = ?`, rootTaskID).Scan(&sharedContext)
		if err != nil && !IsNotFoundError(err) {
			return fmt.Errorf("failed to read shared context: %w", MapError(err))
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO completed_tasks (`+completedColumns+`)
			SELECT `+taskColumns+`, ?, ?, CASE WHEN id = ? THEN ? ELSE NULL END
			FROM running_tasks
			WHERE root_task_id = ?
		`, string(archived), millis(s.opts.now()), rootTaskID, sharedContext, rootTaskID)
		if err != nil {
			return fmt.Errorf("failed to copy tasks to completed store: %w", MapError(err))
		}
		if migrated, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if migrated == 0 {
			return store.ErrTaskNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM running_tasks WHERE root_task_id = ?`, rootTaskID); err != nil {
			return fmt.Errorf("failed to delete running tasks: %w", MapError(err))
		}
		return nil
	})
	if err != nil {
		log.Error("tree migration failed", slog.String("error", redact.Error(err)))
		return store.MigrationResult{Success: false, Message: err.Error()}, err
	}

	log.Info("tree migrated to completed store",
		slog.Int64("migrated_count", migrated),
		slog.String("tree_status", string(archived)))
	return store.MigrationResult{
		Success:       true,
		MigratedCount: int(migrated),
		Message:       fmt.Sprintf("migrated %d tasks of tree %s as %s", migrated, rootTaskID, archived),
	}, nil
}
