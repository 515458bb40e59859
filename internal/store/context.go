package store

import "context"

// SharedContextRepository persists one shared context snapshot per tree.
type SharedContextRepository interface {
	// SaveContext upserts the snapshot for rootTaskID. The root task row must
	// already exist.
	SaveContext(ctx context.Context, rootTaskID string, data map[string]any) error

	// FindContext returns the snapshot for rootTaskID.
	// Returns ErrContextNotFound if none was saved.
	FindContext(ctx context.Context, rootTaskID string) (map[string]any, error)

	// DeleteContext removes the snapshot. Deleting a missing snapshot is not an error.
	DeleteContext(ctx context.Context, rootTaskID string) error
}
