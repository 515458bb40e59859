package postgres

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

// PostgresMigrationStore implements the store.TaskMigrationRepository interface.
// It needs a *sql.DB rather than a DBTX because each migration runs in its own
// transaction.
type PostgresMigrationStore struct {
	db     *sql.DB
	logger *slog.Logger
	opts   options
}

// NewPostgresMigrationStore creates a new PostgreSQL implementation of the
// TaskMigrationRepository interface.
func NewPostgresMigrationStore(db *sql.DB, logger *slog.Logger, opts ...Option) *PostgresMigrationStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresMigrationStore{
		db:     db,
		logger: logger.With(slog.String("component", "migration_store")),
		opts:   buildOptions(opts),
	}
}

// Ensure PostgresMigrationStore implements store.TaskMigrationRepository interface
var _ store.TaskMigrationRepository = (*PostgresMigrationStore)(nil)

// MigrateTaskTree implements store.TaskMigrationRepository.MigrateTaskTree
func (s *PostgresMigrationStore) MigrateTaskTree(
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
			`SELECT data::text FROM shared_contexts WHERE root_task_id = $1`, rootTaskID).Scan(&sharedContext)
		if err != nil && !IsNotFoundError(err) {
			return fmt.Errorf("failed to read shared context: %w", MapError(err))
		}

		insert := `
			INSERT INTO completed_tasks (` + completedColumns + `)
			SELECT ` + taskColumns + `, $2, $3,
				CASE WHEN id = $1 THEN $4::jsonb ELSE NULL END
			FROM running_tasks
			WHERE root_task_id = $1
		`
		result, err := tx.ExecContext(ctx, insert,
			rootTaskID, string(archived), s.opts.now().UTC(), sharedContext)
		if err != nil {
			return fmt.Errorf("failed to copy tasks to completed store: %w", MapError(err))
		}
		migrated, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if migrated == 0 {
			return store.ErrTaskNotFound
		}

		// shared_contexts rows go with their root through ON DELETE CASCADE
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM running_tasks WHERE root_task_id = $1`, rootTaskID); err != nil {
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
