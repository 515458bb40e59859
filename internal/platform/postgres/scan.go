package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
)

// taskColumns is the column list shared by running_tasks and completed_tasks.
const taskColumns = `id, root_task_id, parent_id, name, type, status,
	executor_name, executor_params, metadata, error_message, error_details,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// taskRow holds the raw column values of one task row.
type taskRow struct {
	id, rootTaskID, name, nodeType, status string
	parentID, executorName, errorMessage   sql.NullString
	executorParams, metadata, errorDetails []byte
	createdAt, updatedAt                   time.Time
	startedAt, completedAt                 sql.NullTime
}

func (r *taskRow) dest() []any {
	return []any{
		&r.id, &r.rootTaskID, &r.parentID, &r.name, &r.nodeType, &r.status,
		&r.executorName, &r.executorParams, &r.metadata, &r.errorMessage, &r.errorDetails,
		&r.createdAt, &r.updatedAt, &r.startedAt, &r.completedAt,
	}
}

func (r *taskRow) snapshot() (domain.TaskSnapshot, error) {
	snap := domain.TaskSnapshot{
		ID:           r.id,
		ParentID:     r.parentID.String,
		RootTaskID:   r.rootTaskID,
		Name:         r.name,
		Type:         domain.NodeType(r.nodeType),
		Status:       domain.TaskStatus(r.status),
		ErrorMessage: r.errorMessage.String,
		CreatedAt:    r.createdAt.UTC(),
		UpdatedAt:    r.updatedAt.UTC(),
	}

	var err error
	if snap.Metadata, err = decodeJSON(r.metadata); err != nil {
		return snap, fmt.Errorf("task %s metadata: %w", r.id, err)
	}
	if snap.ErrorDetails, err = decodeJSON(r.errorDetails); err != nil {
		return snap, fmt.Errorf("task %s error details: %w", r.id, err)
	}
	if r.executorName.Valid {
		params, err := decodeJSON(r.executorParams)
		if err != nil {
			return snap, fmt.Errorf("task %s executor params: %w", r.id, err)
		}
		snap.Executor = &domain.ExecutorConfig{Name: r.executorName.String, Params: params}
	}
	if p, ok := snap.Metadata[domain.MetaProgress].(float64); ok {
		snap.Progress = int(p)
	}
	if r.startedAt.Valid {
		t := r.startedAt.Time.UTC()
		snap.StartedAt = &t
	}
	if r.completedAt.Valid {
		t := r.completedAt.Time.UTC()
		snap.CompletedAt = &t
	}
	return snap, nil
}

func scanTask(s rowScanner) (domain.TaskSnapshot, error) {
	var r taskRow
	if err := s.Scan(r.dest()...); err != nil {
		return domain.TaskSnapshot{}, err
	}
	return r.snapshot()
}

// taskArgs renders the column values of snap in taskColumns order.
func taskArgs(snap domain.TaskSnapshot) ([]any, error) {
	var executorName sql.NullString
	var executorParams sql.NullString
	if snap.Executor != nil {
		executorName = nullString(snap.Executor.Name)
		params, err := encodeJSON(snap.Executor.Params)
		if err != nil {
			return nil, err
		}
		executorParams = params
	}
	metadata, err := encodeJSONObject(snap.Metadata)
	if err != nil {
		return nil, err
	}
	errorDetails, err := encodeJSON(snap.ErrorDetails)
	if err != nil {
		return nil, err
	}
	return []any{
		snap.ID, snap.RootTaskID, nullString(snap.ParentID), snap.Name, string(snap.Type), string(snap.Status),
		executorName, executorParams, metadata, nullString(snap.ErrorMessage), errorDetails,
		snap.CreatedAt, snap.UpdatedAt, nullTime(snap.StartedAt), nullTime(snap.CompletedAt),
	}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
