package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/redact"
	"github.com/phrazzld/tasktree/internal/store"
)

// CompletionOutcome is the result of archiving one tree.
type CompletionOutcome struct {
	Result store.MigrationResult
	Err    error
}

// CompletionStats counts archived trees.
type CompletionStats struct {
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	MigratedTasks uint64 `json:"migrated_tasks"`
}

// FinalizeFunc runs after a tree has been migrated.
type FinalizeFunc func(ctx context.Context, rootTaskID string)

// CompletionHandler archives finished trees: it waits for every pending
// write of the tree, moves the rows to the completed store, and tears down
// subscriber state for the tree.
type CompletionHandler struct {
	migration store.TaskMigrationRepository
	trees     TreeIndex
	syncs     []treeSync
	gate      *PersistGate
	barrier   *Barrier
	timeout   time.Duration
	logger    *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	finalizers []FinalizeFunc
	waiters    map[string][]chan CompletionOutcome
	stats      CompletionStats
}

var _ events.EventHandler = (*CompletionHandler)(nil)

// NewCompletionHandler creates a handler. syncs are drained in the order
// given, so the node creation sync should come first.
func NewCompletionHandler(
	migration store.TaskMigrationRepository,
	trees TreeIndex,
	gate *PersistGate,
	log *slog.Logger,
	opts ...Option,
) *CompletionHandler {
	if migration == nil {
		panic("task migration repository cannot be nil") // ALLOW-PANIC
	}
	if trees == nil {
		panic("tree index cannot be nil") // ALLOW-PANIC
	}
	o := buildOptions(opts)
	return &CompletionHandler{
		migration: migration,
		trees:     trees,
		gate:      gate,
		barrier:   o.barrier,
		timeout:   o.drainTimeout,
		logger:    componentLogger(log, "completion_handler"),
		waiters:   make(map[string][]chan CompletionOutcome),
	}
}

// Track adds subscribers to drain and reset around each migration.
func (h *CompletionHandler) Track(syncs ...treeSync) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncs = append(h.syncs, syncs...)
}

// OnMigrated registers fn to run after each successful migration.
func (h *CompletionHandler) OnMigrated(fn FinalizeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalizers = append(h.finalizers, fn)
}

// Await returns a channel receiving the outcome of the next completion of
// rootTaskID. Register before publishing the completion event.
func (h *CompletionHandler) Await(rootTaskID string) <-chan CompletionOutcome {
	ch := make(chan CompletionOutcome, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiters[rootTaskID] = append(h.waiters[rootTaskID], ch)
	return ch
}

// Awaiting reports whether a completion of rootTaskID has waiters.
func (h *CompletionHandler) Awaiting(rootTaskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[rootTaskID]) > 0
}

// HandleEvent implements events.EventHandler. Events for trees that are no
// longer live, because an earlier completion already archived them, are
// ignored.
func (h *CompletionHandler) HandleEvent(ctx context.Context, event events.Event) error {
	e, ok := event.(events.TreeCompletionEvent)
	if !ok {
		return nil
	}
	if len(h.trees.TaskIDs(e.RootTaskID)) == 0 {
		h.barrier.Forget(e.CompletionKey())
		h.logger.Debug("tree already archived, ignoring completion",
			slog.String("root_task_id", e.RootTaskID))
		return nil
	}
	_, err := h.HandleTreeCompletion(ctx, e)
	return err
}

// HandleTreeCompletion archives the tree described by event. A failed
// migration is returned and leaves the tree and subscriber state untouched.
func (h *CompletionHandler) HandleTreeCompletion(
	ctx context.Context,
	event events.TreeCompletionEvent,
) (store.MigrationResult, error) {
	defer h.barrier.Forget(event.CompletionKey())

	v, err, _ := h.group.Do(event.RootTaskID, func() (any, error) {
		return h.complete(ctx, event)
	})
	result, _ := v.(store.MigrationResult)

	h.notify(event.RootTaskID, CompletionOutcome{Result: result, Err: err})
	return result, err
}

func (h *CompletionHandler) complete(
	ctx context.Context,
	event events.TreeCompletionEvent,
) (store.MigrationResult, error) {
	rootTaskID := event.RootTaskID
	log := logger.FromContextOrDefault(ctx, h.logger).With(
		slog.String("root_task_id", rootTaskID),
		slog.String("final_status", event.FinalStatus),
	)
	key := event.CompletionKey()

	drainCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := h.barrier.Wait(drainCtx, key); err != nil {
		return store.MigrationResult{}, fmt.Errorf("waiting for subscribers: %w", err)
	}

	taskIDs := h.trees.TaskIDs(rootTaskID)
	h.mu.Lock()
	syncs := append([]treeSync(nil), h.syncs...)
	h.mu.Unlock()

	for _, s := range syncs {
		if err := s.drainTree(drainCtx, rootTaskID, taskIDs); err != nil {
			return store.MigrationResult{}, fmt.Errorf("draining pending writes: %w", err)
		}
	}

	status := domain.ArchivalStatus(domain.TaskStatus(event.FinalStatus))
	result, err := h.migration.MigrateTaskTree(ctx, rootTaskID, status)
	if err != nil {
		h.mu.Lock()
		h.stats.Failed++
		h.mu.Unlock()
		log.Error("tree migration failed", slog.String("error", redact.Error(err)))
		return result, fmt.Errorf("failed to migrate task tree %s: %w", rootTaskID, err)
	}

	for _, s := range syncs {
		s.forgetTree(rootTaskID, taskIDs)
	}
	if h.gate != nil {
		h.gate.Forget(taskIDs...)
	}

	h.mu.Lock()
	h.stats.Completed++
	h.stats.MigratedTasks += uint64(result.MigratedCount)
	finalizers := append([]FinalizeFunc(nil), h.finalizers...)
	h.mu.Unlock()

	for _, fn := range finalizers {
		fn(ctx, rootTaskID)
	}

	log.Info("archived task tree",
		slog.Int("migrated_count", result.MigratedCount),
		slog.Int("total_tasks", event.TotalTasks))
	return result, nil
}

func (h *CompletionHandler) notify(rootTaskID string, outcome CompletionOutcome) {
	h.mu.Lock()
	waiters := h.waiters[rootTaskID]
	delete(h.waiters, rootTaskID)
	h.mu.Unlock()
	for _, ch := range waiters {
		ch <- outcome
	}
}

// Stats returns completion counters.
func (h *CompletionHandler) Stats() CompletionStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
