package tasktree

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/store"
	"github.com/phrazzld/tasktree/internal/subscriber"
)

// watcherFunc adapts a function to events.EventHandler.
type watcherFunc func(ctx context.Context, event events.Event) error

func (f watcherFunc) HandleEvent(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}

// watch emits a TreeCompletionEvent when a live root reaches a terminal status.
func (s *Service) watch(ctx context.Context, event events.Event) error {
	e, ok := event.(events.StatusChangeEvent)
	if !ok || e.TaskID != e.RootTaskID {
		return nil
	}
	if !domain.TaskStatus(e.NewStatus).IsTerminal() {
		return nil
	}
	root, ok := s.Root(e.RootTaskID)
	if !ok {
		return nil
	}

	logger.FromContextOrDefault(ctx, s.logger).Debug("root reached terminal status",
		slog.String("root_task_id", e.RootTaskID),
		slog.String("status", e.NewStatus))
	return s.bus.Publish(s.completionEvent(root, e.NewStatus))
}

func (s *Service) completionEvent(root *domain.TaskNode, finalStatus string) events.TreeCompletionEvent {
	return events.TreeCompletionEvent{
		RootTaskID:  root.ID(),
		Sequence:    s.completions.Add(1),
		FinalStatus: finalStatus,
		CompletedAt: s.now().UTC(),
		TotalTasks:  root.Count(),
		TreeData:    root.TreeData(),
	}
}

// CompleteTree archives a live tree now and returns the migration outcome.
// The root's current status becomes the tree status; non-terminal statuses
// archive as completed. A failed migration leaves the tree live.
func (s *Service) CompleteTree(ctx context.Context, rootTaskID string) (store.MigrationResult, error) {
	s.mu.RLock()
	root, ok := s.roots[rootTaskID]
	var outcome <-chan subscriber.CompletionOutcome
	if ok {
		outcome = s.subs.Completion.Await(rootTaskID)
	}
	s.mu.RUnlock()
	if !ok {
		return store.MigrationResult{}, fmt.Errorf("%w: %s", ErrTreeNotFound, rootTaskID)
	}

	if err := s.bus.Publish(s.completionEvent(root, string(root.Status()))); err != nil {
		return store.MigrationResult{}, NewServiceError("complete tree", "publishing completion event", err)
	}

	select {
	case o := <-outcome:
		return o.Result, o.Err
	case <-ctx.Done():
		return store.MigrationResult{}, ctx.Err()
	}
}
