package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/tasktree/internal/coalesce"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// ContextSync persists shared contexts. A write always carries the context's
// contents at the moment it runs, so the staged value is only the time of the
// newest change.
type ContextSync struct {
	repo    store.SharedContextRepository
	source  ContextSource
	gate    *PersistGate
	barrier *Barrier
	logger  *slog.Logger
	writes  *coalesce.Coalescer[string, time.Time]

	// mu orders parking against the gate's persisted callback.
	mu     sync.Mutex
	parked map[string]time.Time
}

var _ events.EventHandler = (*ContextSync)(nil)

// NewContextSync creates a ContextSync reading contexts from source. When gate
// is non-nil, saves for a root whose row is not yet inserted are parked until
// the insert succeeds.
func NewContextSync(
	repo store.SharedContextRepository,
	source ContextSource,
	gate *PersistGate,
	logger *slog.Logger,
	opts ...Option,
) *ContextSync {
	if repo == nil {
		panic("shared context repository cannot be nil") // ALLOW-PANIC
	}
	if source == nil {
		panic("context source cannot be nil") // ALLOW-PANIC
	}
	o := buildOptions(opts)
	s := &ContextSync{
		repo:    repo,
		source:  source,
		gate:    gate,
		barrier: o.barrier,
		logger:  componentLogger(logger, "context_sync"),
		parked:  make(map[string]time.Time),
	}
	s.writes = coalesce.New("context", s.persist, s.logger)
	if gate != nil {
		gate.OnPersisted(s.rootPersisted)
	}
	return s
}

// HandleEvent implements events.EventHandler.
func (s *ContextSync) HandleEvent(_ context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.ContextChangeEvent:
		return s.writes.Submit(e.RootTaskID, e.Timestamp)
	case events.TreeCompletionEvent:
		s.barrier.Arrive(e.CompletionKey())
	}
	return nil
}

func (s *ContextSync) persist(ctx context.Context, rootTaskID string, changedAt time.Time) error {
	if s.park(rootTaskID, changedAt) {
		s.logger.Debug("root task not persisted yet, deferring context save",
			slog.String("root_task_id", rootTaskID))
		return nil
	}

	data, ok := s.source.Snapshot(rootTaskID)
	if !ok {
		s.logger.Debug("shared context no longer registered, skipping save",
			slog.String("root_task_id", rootTaskID))
		return nil
	}
	if err := s.repo.SaveContext(ctx, rootTaskID, data); err != nil {
		return fmt.Errorf("failed to sync shared context: %w", err)
	}
	s.logger.Debug("synced shared context",
		slog.String("root_task_id", rootTaskID),
		slog.Int("keys", len(data)))
	return nil
}

// park stages the save when the root row is still pending and reports
// whether it did.
func (s *ContextSync) park(rootTaskID string, changedAt time.Time) bool {
	if s.gate == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gate.Pending(rootTaskID) {
		return false
	}
	s.parked[rootTaskID] = changedAt
	return true
}

// rootPersisted runs after every successful insert. When the task is the
// root of a registered context, the context is saved: either the parked
// change or, for a context that never changed, its initial contents.
func (s *ContextSync) rootPersisted(taskID string) {
	s.mu.Lock()
	changedAt, ok := s.parked[taskID]
	delete(s.parked, taskID)
	s.mu.Unlock()
	if !ok {
		if _, registered := s.source.Snapshot(taskID); !registered {
			return
		}
		changedAt = time.Now()
	}
	if err := s.writes.Submit(taskID, changedAt); err != nil {
		s.logger.Warn("dropping deferred context save",
			slog.String("root_task_id", taskID),
			slog.String("error", redact.Error(err)))
	}
}

// Parked reports whether a save for rootTaskID is waiting on the root insert.
func (s *ContextSync) Parked(rootTaskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.parked[rootTaskID]
	return ok
}

// Drain waits until no context write is pending for rootTaskIDs.
func (s *ContextSync) Drain(ctx context.Context, rootTaskIDs ...string) error {
	return s.writes.Drain(ctx, rootTaskIDs...)
}

// Forget drops staged and parked writes for rootTaskIDs.
func (s *ContextSync) Forget(rootTaskIDs ...string) {
	s.writes.Forget(rootTaskIDs...)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range rootTaskIDs {
		delete(s.parked, id)
	}
}

// Stats returns write counters.
func (s *ContextSync) Stats() coalesce.Stats {
	return s.writes.Stats()
}

// Cleanup stops accepting events and waits for outstanding writes.
func (s *ContextSync) Cleanup(ctx context.Context) error {
	return s.writes.Cleanup(ctx)
}

func (s *ContextSync) drainTree(ctx context.Context, rootTaskID string, _ []string) error {
	return s.Drain(ctx, rootTaskID)
}

func (s *ContextSync) forgetTree(rootTaskID string, _ []string) {
	s.Forget(rootTaskID)
}
