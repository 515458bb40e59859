package subscriber

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
)

// NodeLookup resolves the current state of live task nodes.
type NodeLookup interface {
	NodeSnapshot(taskID string) (domain.TaskSnapshot, bool)
}

// TreeIndex lists the task ids of a live tree.
type TreeIndex interface {
	TaskIDs(rootTaskID string) []string
}

// ContextSource yields the current shared context of a tree.
type ContextSource interface {
	Snapshot(rootTaskID string) (map[string]any, bool)
}

// treeSync is implemented by every subscriber the CompletionHandler drains
// before migrating a tree.
type treeSync interface {
	drainTree(ctx context.Context, rootTaskID string, taskIDs []string) error
	forgetTree(rootTaskID string, taskIDs []string)
}

// Option configures a subscriber.
type Option func(*options)

type options struct {
	barrier      *Barrier
	drainTimeout time.Duration
}

// DefaultDrainTimeout bounds how long a completion waits for pending writes.
const DefaultDrainTimeout = 30 * time.Second

// WithBarrier makes the subscriber arrive at b whenever it sees a
// TreeCompletionEvent.
func WithBarrier(b *Barrier) Option {
	return func(o *options) {
		o.barrier = b
	}
}

// WithDrainTimeout bounds how long the CompletionHandler waits for the
// barrier and pending writes before giving up on a migration.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{drainTimeout: DefaultDrainTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func componentLogger(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With(slog.String("component", name))
}
