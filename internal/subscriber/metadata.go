package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/tasktree/internal/coalesce"
	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/store"
)

// PendingMetadataUpdate is the metadata write staged for one task.
type PendingMetadataUpdate struct {
	TaskID      string
	Metadata    map[string]any
	Timestamp   time.Time
	SourceEvent events.MetadataChangeEvent
}

// MetadataSync persists task metadata changes.
type MetadataSync struct {
	repo    store.RunningTaskRepository
	gate    *PersistGate
	barrier *Barrier
	logger  *slog.Logger
	writes  *coalesce.Coalescer[string, PendingMetadataUpdate]
}

var _ events.EventHandler = (*MetadataSync)(nil)

// NewMetadataSync creates a MetadataSync writing to repo.
func NewMetadataSync(
	repo store.RunningTaskRepository,
	gate *PersistGate,
	logger *slog.Logger,
	opts ...Option,
) *MetadataSync {
	if repo == nil {
		panic("running task repository cannot be nil") // ALLOW-PANIC
	}
	o := buildOptions(opts)
	s := &MetadataSync{
		repo:    repo,
		gate:    gate,
		barrier: o.barrier,
		logger:  componentLogger(logger, "metadata_sync"),
	}
	s.writes = coalesce.New("metadata", s.persist, s.logger)
	return s
}

// HandleEvent implements events.EventHandler.
func (s *MetadataSync) HandleEvent(_ context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.MetadataChangeEvent:
		return s.writes.Submit(e.TaskID, PendingMetadataUpdate{
			TaskID:      e.TaskID,
			Metadata:    domain.CloneMap(e.NewMetadata),
			Timestamp:   e.Timestamp,
			SourceEvent: e,
		})
	case events.TreeCompletionEvent:
		s.barrier.Arrive(e.CompletionKey())
	}
	return nil
}

func (s *MetadataSync) persist(ctx context.Context, taskID string, update PendingMetadataUpdate) error {
	if s.gate != nil {
		if err := s.gate.Wait(ctx, taskID); err != nil {
			return err
		}
	}
	if err := s.repo.UpdateTaskMetadata(ctx, taskID, update.Metadata); err != nil {
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	s.logger.Debug("synced task metadata",
		slog.String("task_id", taskID),
		slog.String("reason", update.SourceEvent.Reason),
		slog.Any("changed_fields", update.SourceEvent.ChangedFields))
	return nil
}

// Drain waits until no metadata write is pending for taskIDs.
func (s *MetadataSync) Drain(ctx context.Context, taskIDs ...string) error {
	return s.writes.Drain(ctx, taskIDs...)
}

// Forget drops staged writes for taskIDs.
func (s *MetadataSync) Forget(taskIDs ...string) {
	s.writes.Forget(taskIDs...)
}

// Stats returns write counters.
func (s *MetadataSync) Stats() coalesce.Stats {
	return s.writes.Stats()
}

// Cleanup stops accepting events and waits for outstanding writes.
func (s *MetadataSync) Cleanup(ctx context.Context) error {
	return s.writes.Cleanup(ctx)
}

func (s *MetadataSync) drainTree(ctx context.Context, _ string, taskIDs []string) error {
	return s.Drain(ctx, taskIDs...)
}

func (s *MetadataSync) forgetTree(_ string, taskIDs []string) {
	s.Forget(taskIDs...)
}
