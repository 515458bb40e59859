package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// PostgresRunningTaskStore implements the store.RunningTaskRepository interface
// using a PostgreSQL database as the storage backend.
type PostgresRunningTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
	opts   options
}

// NewPostgresRunningTaskStore creates a new PostgreSQL implementation of the
// RunningTaskRepository interface. If logger is nil, a default logger will be used.
func NewPostgresRunningTaskStore(db store.DBTX, logger *slog.Logger, opts ...Option) *PostgresRunningTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRunningTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "running_task_store")),
		opts:   buildOptions(opts),
	}
}

// Ensure PostgresRunningTaskStore implements store.RunningTaskRepository interface
var _ store.RunningTaskRepository = (*PostgresRunningTaskStore)(nil)

// Create implements store.RunningTaskRepository.Create
func (s *PostgresRunningTaskStore) Create(ctx context.Context, task domain.TaskSnapshot) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if task.ID == "" || task.RootTaskID == "" {
		return store.NewStoreError("task", "create", "id and root_task_id are required", store.ErrInvalidEntity)
	}

	args, err := taskArgs(task)
	if err != nil {
		return store.NewStoreError("task", "create", "encoding columns", err)
	}

	query := `INSERT INTO running_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			log.Warn("task already exists", slog.String("task_id", task.ID))
			return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
		}
		log.Error("failed to create task",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", task.ID))
		return MapError(err)
	}

	log.Debug("task created",
		slog.String("task_id", task.ID),
		slog.String("root_task_id", task.RootTaskID))
	return nil
}

// FindByID implements store.RunningTaskRepository.FindByID
func (s *PostgresRunningTaskStore) FindByID(ctx context.Context, id string) (*domain.TaskSnapshot, error) {
	query := `SELECT ` + taskColumns + ` FROM running_tasks WHERE id = $1`
	snap, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get task",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", id))
		return nil, MapError(err)
	}
	return &snap, nil
}

// FindByRootTaskID implements store.RunningTaskRepository.FindByRootTaskID
func (s *PostgresRunningTaskStore) FindByRootTaskID(ctx context.Context, rootTaskID string) ([]domain.TaskSnapshot, error) {
	query := `SELECT ` + taskColumns + ` FROM running_tasks
		WHERE root_task_id = $1
		ORDER BY created_at ASC, id ASC`
	return s.queryTasks(ctx, query, rootTaskID)
}

// FindRootsByStatus implements store.RunningTaskRepository.FindRootsByStatus
func (s *PostgresRunningTaskStore) FindRootsByStatus(
	ctx context.Context,
	statuses ...domain.TaskStatus,
) ([]domain.TaskSnapshot, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query := `SELECT ` + taskColumns + ` FROM running_tasks
		WHERE parent_id IS NULL AND status = ANY($1)
		ORDER BY created_at ASC, id ASC`
	return s.queryTasks(ctx, query, names)
}

func (s *PostgresRunningTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.TaskSnapshot, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", redact.Error(err)))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []domain.TaskSnapshot
	for rows.Next() {
		snap, err := scanTask(rows)
		if err != nil {
			log.Error("failed to scan task row", slog.String("error", redact.Error(err)))
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, snap)
	}
	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows", slog.String("error", redact.Error(err)))
		return nil, MapError(err)
	}
	return tasks, nil
}

// UpdateStatus implements store.RunningTaskRepository.UpdateStatus
func (s *PostgresRunningTaskStore) UpdateStatus(
	ctx context.Context,
	id string,
	status domain.TaskStatus,
	errorMessage string,
	errorDetails map[string]any,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if !status.IsValid() {
		return store.NewStoreError("task", "update_status", string(status), domain.ErrInvalidStatus)
	}
	details, err := encodeJSON(errorDetails)
	if err != nil {
		return store.NewStoreError("task", "update_status", "encoding error details", err)
	}

	query := `
		UPDATE running_tasks
		SET status = $2,
			error_message = $3,
			error_details = $4,
			updated_at = $5,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $5 ELSE started_at END,
			completed_at = CASE WHEN $6 THEN $5 WHEN $2 = 'running' THEN NULL ELSE completed_at END
		WHERE id = $1
	`
	now := s.opts.now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		id, string(status), nullString(errorMessage), details, now, status.IsTerminal())
	if err != nil {
		log.Error("failed to update task status",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", id),
			slog.String("status", string(status)))
		return MapError(err)
	}
	if err := CheckRowsAffected(result, store.ErrTaskNotFound); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("no task found to update status", slog.String("task_id", id))
		}
		return err
	}
	return nil
}

// UpdateTaskMetadata implements store.RunningTaskRepository.UpdateTaskMetadata
func (s *PostgresRunningTaskStore) UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]any) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	encoded, err := encodeJSONObject(metadata)
	if err != nil {
		return store.NewStoreError("task", "update_metadata", "encoding metadata", err)
	}

	query := `UPDATE running_tasks SET metadata = $2, updated_at = $3 WHERE id = $1`
	result, err := s.db.ExecContext(ctx, query, id, encoded, s.opts.now().UTC())
	if err != nil {
		log.Error("failed to update task metadata",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", id))
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}
