package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/phrazzld/tasktree/internal/coalesce"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/store"
)

// NodeCreationSync inserts newly created nodes. The insert carries the node's
// state when the write runs, not when it was created, so status and metadata
// changes made in between are never lost.
type NodeCreationSync struct {
	repo    store.RunningTaskRepository
	nodes   NodeLookup
	gate    *PersistGate
	barrier *Barrier
	logger  *slog.Logger
	writes  *coalesce.Coalescer[string, events.NodeCreatedEvent]

	mu     sync.Mutex
	failed map[string]events.NodeCreatedEvent
}

var _ events.EventHandler = (*NodeCreationSync)(nil)

// NewNodeCreationSync creates a NodeCreationSync. gate must be the gate the
// nodes publish through.
func NewNodeCreationSync(
	repo store.RunningTaskRepository,
	nodes NodeLookup,
	gate *PersistGate,
	logger *slog.Logger,
	opts ...Option,
) *NodeCreationSync {
	if repo == nil {
		panic("running task repository cannot be nil") // ALLOW-PANIC
	}
	if nodes == nil {
		panic("node lookup cannot be nil") // ALLOW-PANIC
	}
	if gate == nil {
		panic("persist gate cannot be nil") // ALLOW-PANIC
	}
	o := buildOptions(opts)
	s := &NodeCreationSync{
		repo:    repo,
		nodes:   nodes,
		gate:    gate,
		barrier: o.barrier,
		logger:  componentLogger(logger, "node_creation_sync"),
		failed:  make(map[string]events.NodeCreatedEvent),
	}
	s.writes = coalesce.New("node_creation", s.persist, s.logger)
	return s
}

// HandleEvent implements events.EventHandler.
func (s *NodeCreationSync) HandleEvent(_ context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.NodeCreatedEvent:
		return s.writes.Submit(e.TaskID, e)
	case events.TreeCompletionEvent:
		s.barrier.Arrive(e.CompletionKey())
	}
	return nil
}

func (s *NodeCreationSync) persist(ctx context.Context, taskID string, created events.NodeCreatedEvent) error {
	snap, ok := s.nodes.NodeSnapshot(taskID)
	if !ok {
		s.logger.Debug("node no longer live, skipping insert", slog.String("task_id", taskID))
		s.gate.Forget(taskID)
		s.clearFailed(taskID)
		return nil
	}

	err := s.repo.Create(ctx, snap)
	if errors.Is(err, store.ErrDuplicate) {
		s.logger.Warn("task row already exists, treating insert as done",
			slog.String("task_id", taskID))
		err = nil
	}
	if err != nil {
		s.mu.Lock()
		s.failed[taskID] = created
		s.mu.Unlock()
		s.gate.Resolve(taskID, err)
		return fmt.Errorf("failed to insert task: %w", err)
	}

	s.clearFailed(taskID)
	s.gate.Resolve(taskID, nil)
	s.logger.Debug("inserted task",
		slog.String("task_id", taskID),
		slog.String("root_task_id", snap.RootTaskID),
		slog.Bool("root", created.IsRoot()))
	return nil
}

func (s *NodeCreationSync) clearFailed(taskIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		delete(s.failed, id)
	}
}

// Failed returns the ids of nodes whose last insert failed, sorted.
func (s *NodeCreationSync) Failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.failed))
	for id := range s.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RetryFailed resubmits every failed insert and waits for the attempts to
// finish. It returns how many inserts were retried.
func (s *NodeCreationSync) RetryFailed(ctx context.Context) (int, error) {
	return s.retry(ctx, s.Failed())
}

func (s *NodeCreationSync) retry(ctx context.Context, taskIDs []string) (int, error) {
	s.mu.Lock()
	retries := make([]events.NodeCreatedEvent, 0, len(taskIDs))
	for _, id := range taskIDs {
		if created, ok := s.failed[id]; ok {
			retries = append(retries, created)
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(retries))
	for _, created := range retries {
		s.gate.Expect(created.TaskID)
		if err := s.writes.Submit(created.TaskID, created); err != nil {
			return len(ids), err
		}
		ids = append(ids, created.TaskID)
	}
	if len(ids) > 0 {
		s.logger.Info("retrying failed task inserts", slog.Int("count", len(ids)))
	}
	return len(ids), s.writes.Drain(ctx, ids...)
}

// Drain waits until no insert is pending for taskIDs.
func (s *NodeCreationSync) Drain(ctx context.Context, taskIDs ...string) error {
	return s.writes.Drain(ctx, taskIDs...)
}

// Forget drops staged inserts and failure records for taskIDs.
func (s *NodeCreationSync) Forget(taskIDs ...string) {
	s.writes.Forget(taskIDs...)
	s.clearFailed(taskIDs...)
}

// Stats returns write counters.
func (s *NodeCreationSync) Stats() coalesce.Stats {
	return s.writes.Stats()
}

// Cleanup stops accepting events and waits for outstanding inserts.
func (s *NodeCreationSync) Cleanup(ctx context.Context) error {
	return s.writes.Cleanup(ctx)
}

// drainTree gives failed inserts of the tree one more attempt before waiting,
// so a migration sees as many rows as possible.
func (s *NodeCreationSync) drainTree(ctx context.Context, _ string, taskIDs []string) error {
	if err := s.Drain(ctx, taskIDs...); err != nil {
		return err
	}
	_, err := s.retry(ctx, taskIDs)
	return err
}

func (s *NodeCreationSync) forgetTree(_ string, taskIDs []string) {
	s.Forget(taskIDs...)
}
