package subscriber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/tasktree/internal/coalesce"
	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/store"
)

type statusUpdate struct {
	status       domain.TaskStatus
	errorMessage string
	errorDetails map[string]any
}

// StatusSync persists task status transitions.
type StatusSync struct {
	repo    store.RunningTaskRepository
	gate    *PersistGate
	barrier *Barrier
	logger  *slog.Logger
	writes  *coalesce.Coalescer[string, statusUpdate]
}

var _ events.EventHandler = (*StatusSync)(nil)

// NewStatusSync creates a StatusSync writing to repo.
func NewStatusSync(
	repo store.RunningTaskRepository,
	gate *PersistGate,
	logger *slog.Logger,
	opts ...Option,
) *StatusSync {
	if repo == nil {
		panic("running task repository cannot be nil") // ALLOW-PANIC
	}
	o := buildOptions(opts)
	s := &StatusSync{
		repo:    repo,
		gate:    gate,
		barrier: o.barrier,
		logger:  componentLogger(logger, "status_sync"),
	}
	s.writes = coalesce.New("status", s.persist, s.logger)
	return s
}

// HandleEvent implements events.EventHandler.
func (s *StatusSync) HandleEvent(_ context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.StatusChangeEvent:
		status := domain.TaskStatus(e.NewStatus)
		if !status.IsValid() {
			return fmt.Errorf("%w: %q for task %s", domain.ErrInvalidStatus, e.NewStatus, e.TaskID)
		}
		return s.writes.Submit(e.TaskID, statusUpdate{
			status:       status,
			errorMessage: e.ErrorMessage,
			errorDetails: domain.CloneMap(e.ErrorDetails),
		})
	case events.TreeCompletionEvent:
		s.barrier.Arrive(e.CompletionKey())
	}
	return nil
}

func (s *StatusSync) persist(ctx context.Context, taskID string, update statusUpdate) error {
	if s.gate != nil {
		if err := s.gate.Wait(ctx, taskID); err != nil {
			return err
		}
	}
	err := s.repo.UpdateStatus(ctx, taskID, update.status, update.errorMessage, update.errorDetails)
	if err != nil {
		return fmt.Errorf("failed to sync status: %w", err)
	}
	s.logger.Debug("synced task status",
		slog.String("task_id", taskID),
		slog.String("status", string(update.status)))
	return nil
}

// Drain waits until no status write is pending for taskIDs.
func (s *StatusSync) Drain(ctx context.Context, taskIDs ...string) error {
	return s.writes.Drain(ctx, taskIDs...)
}

// Forget drops staged writes for taskIDs.
func (s *StatusSync) Forget(taskIDs ...string) {
	s.writes.Forget(taskIDs...)
}

// Stats returns write counters.
func (s *StatusSync) Stats() coalesce.Stats {
	return s.writes.Stats()
}

// Cleanup stops accepting events and waits for outstanding writes.
func (s *StatusSync) Cleanup(ctx context.Context) error {
	return s.writes.Cleanup(ctx)
}

func (s *StatusSync) drainTree(ctx context.Context, _ string, taskIDs []string) error {
	return s.Drain(ctx, taskIDs...)
}

func (s *StatusSync) forgetTree(_ string, taskIDs []string) {
	s.Forget(taskIDs...)
}
