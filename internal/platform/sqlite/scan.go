package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/phrazzld/tasktree/internal/domain"
)

const taskColumns = `id, root_task_id, parent_id, name, type, status,
	executor_name, executor_params, metadata, error_message, error_details,
	created_at, updated_at, started_at, completed_at`

const taskPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

type rowScanner interface {
	Scan(dest ...any) error
}

type taskRow struct {
	id, rootTaskID, name, nodeType, status string
	parentID, executorName, errorMessage   sql.NullString
	executorParams, errorDetails           sql.NullString
	metadata                               sql.NullString
	createdAt, updatedAt                   int64
	startedAt, completedAt                 sql.NullInt64
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
		CreatedAt:    fromMillis(r.createdAt),
		UpdatedAt:    fromMillis(r.updatedAt),
		StartedAt:    timePtr(r.startedAt),
		CompletedAt:  timePtr(r.completedAt),
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
	return snap, nil
}

func scanTask(s rowScanner) (domain.TaskSnapshot, error) {
	var r taskRow
	if err := s.Scan(r.dest()...); err != nil {
		return domain.TaskSnapshot{}, err
	}
	return r.snapshot()
}

func taskArgs(snap domain.TaskSnapshot) ([]any, error) {
	var executorName, executorParams sql.NullString
	if snap.Executor != nil {
		executorName = nullableString(snap.Executor.Name)
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
		snap.ID, snap.RootTaskID, nullableString(snap.ParentID), snap.Name, string(snap.Type), string(snap.Status),
		executorName, executorParams, metadata, nullableString(snap.ErrorMessage), errorDetails,
		millis(snap.CreatedAt), millis(snap.UpdatedAt), nullableMillis(snap.StartedAt), nullableMillis(snap.CompletedAt),
	}, nil
}

// placeholders returns n comma separated bind markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
