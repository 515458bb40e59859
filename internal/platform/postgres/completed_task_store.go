package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

const completedColumns = taskColumns + `, tree_status, archived_at, shared_context`

// PostgresCompletedTaskStore implements the store.CompletedTaskRepository interface
// using a PostgreSQL database as the storage backend.
type PostgresCompletedTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresCompletedTaskStore creates a new PostgreSQL implementation of the
// CompletedTaskRepository interface. If logger is nil, a default logger will be used.
func NewPostgresCompletedTaskStore(db store.DBTX, logger *slog.Logger) *PostgresCompletedTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCompletedTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "completed_task_store")),
	}
}

// Ensure PostgresCompletedTaskStore implements store.CompletedTaskRepository interface
var _ store.CompletedTaskRepository = (*PostgresCompletedTaskStore)(nil)

// Create implements store.CompletedTaskRepository.Create
func (s *PostgresCompletedTaskStore) Create(ctx context.Context, task store.CompletedTask) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

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
		archivedAt = time.Now().UTC()
	}
	args = append(args, string(domain.ArchivalStatus(task.TreeStatus)), archivedAt, sharedContext)

	query := `INSERT INTO completed_tasks (` + completedColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrTaskExists, task.ID)
		}
		log.Error("failed to create completed task",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", task.ID))
		return MapError(err)
	}
	return nil
}

// FindByID implements store.CompletedTaskRepository.FindByID
func (s *PostgresCompletedTaskStore) FindByID(ctx context.Context, id string) (*store.CompletedTask, error) {
	query := `SELECT ` + completedColumns + ` FROM completed_tasks WHERE id = $1`
	task, err := scanCompleted(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, store.ErrTaskNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get completed task",
			slog.String("error", redact.Error(err)),
			slog.String("task_id", id))
		return nil, MapError(err)
	}
	return &task, nil
}

// FindMany implements store.CompletedTaskRepository.FindMany
func (s *PostgresCompletedTaskStore) FindMany(
	ctx context.Context,
	filter store.CompletedTaskFilter,
) ([]store.CompletedTask, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.RootTaskID != "" {
		where = append(where, "root_task_id = "+arg(filter.RootTaskID))
	}
	if filter.TreeStatus != "" {
		where = append(where, "tree_status = "+arg(string(filter.TreeStatus)))
	}
	if filter.RootsOnly {
		where = append(where, "parent_id IS NULL")
	}
	if !filter.ArchivedAfter.IsZero() {
		where = append(where, "archived_at >= "+arg(filter.ArchivedAfter))
	}
	if !filter.ArchivedBefore.IsZero() {
		where = append(where, "archived_at < "+arg(filter.ArchivedBefore))
	}

	query := `SELECT ` + completedColumns + ` FROM completed_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY archived_at DESC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query completed tasks", slog.String("error", redact.Error(err)))
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
	var archivedAt time.Time
	var sharedContext []byte

	dest := append(r.dest(), &treeStatus, &archivedAt, &sharedContext)
	if err := s.Scan(dest...); err != nil {
		return store.CompletedTask{}, err
	}

	snap, err := r.snapshot()
	if err != nil {
		return store.CompletedTask{}, err
	}
	ctxData, err := decodeJSON(sharedContext)
	if err != nil {
		return store.CompletedTask{}, fmt.Errorf("task %s shared context: %w", r.id, err)
	}
	return store.CompletedTask{
		TaskSnapshot:  snap,
		TreeStatus:    domain.TaskStatus(treeStatus),
		ArchivedAt:    archivedAt.UTC(),
		SharedContext: ctxData,
	}, nil
}
