package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

const completedColumns = taskColumns + `, tree_status, archived_at, shared_context`

// CompletedTaskStore implements store.CompletedTaskRepository on SQLite.
type CompletedTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
	opts   options
}

// NewCompletedTaskStore creates a CompletedTaskStore.
func NewCompletedTaskStore(db store.DBTX, logger *slog.Logger, opts ...Option) *CompletedTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletedTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "completed_task_store")),
		opts:   buildOptions(opts),
	}
}

var _ store.CompletedTaskRepository = (*CompletedTaskStore)(nil)

// Create implements store.CompletedTaskRepository.Create
func (s *CompletedTaskStore) Create(ctx context.Context, task store.CompletedTask) error {
	if task.ID == "" || task.RootTaskID == "" {
		return store.NewStoreError("completed_task", "create", "id and root_task_id are required", store.ErrInvalidEntity)
	}
	args, err := taskArgs(task.TaskSnapshot)
	if err != nil {
		return store.NewStoreError("completed_task", "create", "encoding columns", err)
	}
	sharedContext, err := encodeJSON(task.SharedContext)
	if err != nil {
		return store.NewStoreError("completed_task", "create", "encoding shared context", err)
	}
	archivedAt := task.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = s.opts.now()
	}
	args = append(args, string(domain.ArchivalStatus(task.TreeStatus)), millis(archivedAt), sharedContext)

	query := `INSERT INTO completed_tasks (` + completedColumns + `) VALUES (` + taskPlaceholders + `, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to create completed task",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", task.ID))
		return MapError(err)
	}
	return nil
}

// FindByID implements store.CompletedTaskRepository.FindByID
func (s *CompletedTaskStore) FindByID(ctx context.Context, id string) (*store.CompletedTask, error) {
	task, err := scanCompleted(s.db.QueryRowContext(ctx,
		`SELECT `+completedColumns+` FROM completed_tasks WHERE id = ?`, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return &task, nil
}

// FindMany implements store.CompletedTaskRepository.FindMany
func (s *CompletedTaskStore) FindMany(ctx context.Context, filter store.CompletedTaskFilter) ([]store.CompletedTask, error) {
	var where []string
	var args []any

	if filter.RootTaskID != "" {
		where = append(where, "root_task_id = ?")
		args = append(args, filter.RootTaskID)
	}
	if filter.TreeStatus != "" {
		where = append(where, "tree_status = ?")
		args = append(args, string(filter.TreeStatus))
	}
	if filter.RootsOnly {
		where = append(where, "parent_id IS NULL")
	}
	if !filter.ArchivedAfter.IsZero() {
		where = append(where, "archived_at >= ?")
		args = append(args, millis(filter.ArchivedAfter))
	}
	if !filter.ArchivedBefore.IsZero() {
		where = append(where, "archived_at < ?")
		args = append(args, millis(filter.ArchivedBefore))
	}

	query := `SELECT ` + completedColumns + ` FROM completed_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY archived_at DESC, created_at ASC, id ASC"
	// SQLite only accepts OFFSET after a LIMIT; -1 means no limit.
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []store.CompletedTask
	for rows.Next() {
		task, err := scanCompleted(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completed task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

func scanCompleted(s rowScanner) (store.CompletedTask, error) {
	var r taskRow
	var treeStatus string
	var archivedAt int64
	var sharedContext sql.NullString

	dest := append(r.dest(), &treeStatus, &archivedAt, &sharedContext)
	if err := s.Scan(dest...); err != nil {
		return store.CompletedTask{}, err
	}
	snap, err := r.snapshot()
	if err != nil {
		return store.CompletedTask{}, err
	}
	data, err := decodeJSON(sharedContext)
	if err != nil {
		return store.CompletedTask{}, fmt.Errorf("task %s shared context: %w", r.id, err)
	}
	return store.CompletedTask{
		TaskSnapshot:  snap,
		TreeStatus:    domain.TaskStatus(treeStatus),
		ArchivedAt:    fromMillis(archivedAt),
		SharedContext: data,
	}, nil
}
