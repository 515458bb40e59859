package store

import (
	"context"
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
)

// RunningTaskRepository persists the nodes of trees that are still executing.
// Rows are keyed by task ID and carry the TaskSnapshot shape.
type RunningTaskRepository interface {
	// Create inserts a new task row.
	// Returns ErrTaskExists if a row with the same ID already exists.
	Create(ctx context.Context, task domain.TaskSnapshot) error

	// FindByID retrieves one task row.
	// Returns ErrTaskNotFound if the row does not exist.
	FindByID(ctx context.Context, id string) (*domain.TaskSnapshot, error)

	// FindByRootTaskID returns every row of a tree ordered by creation time.
	FindByRootTaskID(ctx context.Context, rootTaskID string) ([]domain.TaskSnapshot, error)

	// FindRootsByStatus returns root rows whose status is one of statuses.
	FindRootsByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.TaskSnapshot, error)

	// UpdateStatus writes a status together with its error fields. started_at is
	// stamped on the first move to running and completed_at on terminal statuses.
	// Returns ErrTaskNotFound if the row does not exist.
	UpdateStatus(
		ctx context.Context,
		id string,
		status domain.TaskStatus,
		errorMessage string,
		errorDetails map[string]any,
	) error

	// UpdateTaskMetadata replaces the metadata of a row.
	// Returns ErrTaskNotFound if the row does not exist.
	UpdateTaskMetadata(ctx context.Context, id string, metadata map[string]any) error
}

// CompletedTask is the archival copy of one node of a finished tree.
type CompletedTask struct {
	domain.TaskSnapshot
	// TreeStatus is the archival status of the whole tree.
	TreeStatus domain.TaskStatus `json:"tree_status"`
	ArchivedAt time.Time         `json:"archived_at"`
	// SharedContext is the final shared context snapshot; set on the root row only.
	SharedContext map[string]any `json:"shared_context,omitempty"`
}

// CompletedTaskFilter narrows FindMany. Zero values match everything.
type CompletedTaskFilter struct {
	RootTaskID     string
	TreeStatus     domain.TaskStatus
	RootsOnly      bool
	ArchivedAfter  time.Time
	ArchivedBefore time.Time
	Limit          int
	Offset         int
}

// CompletedTaskRepository reads and writes the archival store.
type CompletedTaskRepository interface {
	// Create inserts one archival row.
	// Returns ErrTaskExists if a row with the same ID already exists.
	Create(ctx context.Context, task CompletedTask) error

	// FindByID retrieves one archival row.
	// Returns ErrTaskNotFound if the row does not exist.
	FindByID(ctx context.Context, id string) (*CompletedTask, error)

	// FindMany returns archival rows matching filter, newest archive first.
	FindMany(ctx context.Context, filter CompletedTaskFilter) ([]CompletedTask, error)
}

// MigrationResult reports the outcome of moving a tree to the archival store.
type MigrationResult struct {
	Success       bool   `json:"success"`
	MigratedCount int    `json:"migrated_count"`
	Message       string `json:"message"`
}

// TaskMigrationRepository moves finished trees out of the running store.
type TaskMigrationRepository interface {
	// MigrateTaskTree copies every running row of the tree into the completed
	// store with treeStatus, attaches the shared context snapshot to the root row,
	// and deletes the running rows, all in one transaction.
	// Returns ErrTaskNotFound if the tree has no running rows.
	MigrateTaskTree(ctx context.Context, rootTaskID string, treeStatus domain.TaskStatus) (MigrationResult, error)
}
