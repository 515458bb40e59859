package sqlite

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// RunningTaskStore implements store.RunningTaskRepository on SQLite.
type RunningTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
	opts   options
}

// NewRunningTaskStore creates a RunningTaskStore. If logger is nil, a default
// logger will be used.
func NewRunningTaskStore(db store.DBTX, logger *slog.Logger, opts ...Option) *RunningTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunningTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "running_task_store")),
		opts:   buildOptions(opts),
	}
}

var _ store.RunningTaskRepository = (*RunningTaskStore)(nil)

// Create implements store.RunningTaskRepository.Create
func (s *RunningTaskStore) Create(ctx context.Context, task domain.TaskSnapshot) error {
	if task.ID == "" || task.RootTaskID == "" {
		return store.NewStoreError("task", "create", "id and root_task_id are required", store.ErrInvalidEntity)
	}
	args, err := taskArgs(task)
	if err != nil {
		return store.NewStoreError("task", "create", "encoding columns", err)
	}

	query := `INSERT INTO running_tasks (` + taskColumns + `) VALUES (` + taskPlaceholders + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to create task",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", task.ID))
		return MapError(err)
	}
	return nil
}

// FindByID implements store.RunningTaskRepository.FindByID
func (s *RunningTaskStore) FindByID(ctx context.Context, id string) (*domain.TaskSnapshot, error) {
	snap, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM running_tasks WHERE id = ?`, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return &snap, nil
}

// FindByRootTaskID implements store.RunningTaskRepository.FindByRootTaskID
func (s *RunningTaskStore) FindByRootTaskID(ctx context.Context, rootTaskID string) ([]domain.TaskSnapshot, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM running_tasks
		WHERE root_task_id = ?
		ORDER BY created_at ASC, id ASC`, rootTaskID)
}

// FindRootsByStatus implements store.RunningTaskRepository.FindRootsByStatus
func (s *RunningTaskStore) FindRootsByStatus(
	ctx context.Context,
	statuses ...domain.TaskStatus,
) ([]domain.TaskSnapshot, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	query := `SELECT ` + taskColumns + ` FROM running_tasks
		WHERE parent_id IS NULL AND status IN (` + placeholders(len(statuses)) + `)
		ORDER BY created_at ASC, id ASC`
	return s.queryTasks(ctx, query, args...)
}

func (s *RunningTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]domain.TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []domain.TaskSnapshot
	for rows.Next() {
		snap, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// UpdateStatus implements store.RunningTaskRepository.UpdateStatus
func (s *RunningTaskStore) UpdateStatus(
	ctx context.Context,
	id string,
	status domain.TaskStatus,
	errorMessage string,
	errorDetails map[string]any,
) error {
	if !status.IsValid() {
		return store.NewStoreError("task", "update_status", string(status), domain.ErrInvalidStatus)
	}
	details, err := encodeJSON(errorDetails)
	if err != nil {
		return store.NewStoreError("task", "update_status", "encoding error details", err)
	}

	now := millis(s.opts.now())
	running := status == domain.TaskStatusRunning
	query := `
		UPDATE running_tasks
		SET status = ?,
			error_message = ?,
			error_details = ?,
			updated_at = ?,
			started_at = CASE WHEN ? AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? THEN ? WHEN ? THEN NULL ELSE completed_at END
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(status), nullableString(errorMessage), details, now,
		running, now,
		status.IsTerminal(), now, running,
		id)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to update task status",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", id),
			slog.String("status", string(status)))
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

// UpdateTaskMetadata implements store.RunningTaskRepository.UpdateTaskMetadata
func (s *RunningTaskStore) UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]any) error {
	encoded, err := encodeJSONObject(metadata)
	if err != nil {
		return store.NewStoreError("task", "update_metadata", "encoding metadata", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE running_tasks SET metadata = ?, updated_at = ? WHERE id = ?`,
		encoded, millis(s.opts.now()), id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}
