package api

import (
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/store"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// TreeSummary describes one live tree.
type TreeSummary struct {
	RootTaskID string            `json:"root_task_id"`
	Name       string            `json:"name"`
	Status     domain.TaskStatus `json:"status"`
	Progress   int               `json:"progress"`
	TotalTasks int               `json:"total_tasks"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TreeDetail is the body of GET /trees/{id}.
type TreeDetail struct {
	TreeSummary
	Tree          map[string]any `json:"tree"`
	SharedContext map[string]any `json:"shared_context"`
}

// ListTreesQuery filters GET /trees.
type ListTreesQuery struct {
	Status string `validate:"omitempty,oneof=pending running paused success failed cancelled completed"`
	Limit  int    `validate:"min=1,max=500"`
}

// ArchiveQuery filters GET /archive.
type ArchiveQuery struct {
	RootTaskID string `validate:"omitempty,max=255"`
	TreeStatus string `validate:"omitempty,oneof=success failed cancelled completed"`
	Limit      int    `validate:"min=1,max=500"`
	Offset     int    `validate:"min=0"`
}

// Filter converts the query into a store filter. Without a root id only
// root rows are listed.
func (q ArchiveQuery) Filter() store.CompletedTaskFilter {
	return store.CompletedTaskFilter{
		RootTaskID: q.RootTaskID,
		TreeStatus: domain.TaskStatus(q.TreeStatus),
		RootsOnly:  q.RootTaskID == "",
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
}

func summarize(root *domain.TaskNode) TreeSummary {
	snap := root.Snapshot()
	return TreeSummary{
		RootTaskID: snap.ID,
		Name:       snap.Name,
		Status:     snap.Status,
		Progress:   snap.Progress,
		TotalTasks: root.Count(),
		CreatedAt:  snap.CreatedAt,
		UpdatedAt:  snap.UpdatedAt,
	}
}
