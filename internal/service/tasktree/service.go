package tasktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/platform/logger"
	"github.com/phrazzld/tasktree/internal/sharedctx"
	"github.com/phrazzld/tasktree/internal/store"
	"github.com/phrazzld/tasktree/internal/subscriber"
)

// watcherName is the bus subscription that detects finished trees.
const watcherName = "tree_watcher"

// RecoveredFunc is told about the roots rebuilt by RecoverRunningTasks, so
// the executor layer can resume them.
type RecoveredFunc func(ctx context.Context, roots []*domain.TaskNode) error

// Service owns the live task trees.
type Service struct {
	stores      store.Stores
	bus         *events.Bus
	arena       *sharedctx.Arena
	subs        *subscriber.Set
	watcher     *events.Subscription
	registry    *domain.Registry
	onRecovered RecoveredFunc
	now         func() time.Time
	logger      *slog.Logger

	drainTimeout time.Duration
	completions  atomic.Uint64

	runMu        sync.Mutex
	running      bool
	runDone      chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error

	mu    sync.RWMutex
	roots map[string]*domain.TaskNode
	nodes map[string]*domain.TaskNode
}

// Option configures a Service.
type Option func(*Service)

// WithRegistry makes leaf creation reject executors the registry does not
// know.
func WithRegistry(r *domain.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithOnRecovered registers fn to run after a recovery that rebuilt trees.
func WithOnRecovered(fn RecoveredFunc) Option {
	return func(s *Service) {
		s.onRecovered = fn
	}
}

// WithClock replaces time.Now for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithDrainTimeout bounds how long a completion waits for pending writes.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.drainTimeout = d
	}
}

// New creates a service over stores. Call Run to start the synchronization
// pipeline before creating trees.
func New(stores store.Stores, log *slog.Logger, opts ...Option) (*Service, error) {
	if stores.Running == nil || stores.Completed == nil || stores.Contexts == nil || stores.Migration == nil {
		return nil, errors.New("task tree service requires running, completed, context and migration stores")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		stores: stores,
		now:    time.Now,
		logger: log.With(slog.String("component", "task_tree_service")),
		roots:   make(map[string]*domain.TaskNode),
		nodes:   make(map[string]*domain.TaskNode),
		runDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewBus(log)
	s.arena = sharedctx.NewArena(stores.Contexts, s.bus, log, sharedctx.WithClock(s.now))

	subs, err := subscriber.NewSet(subscriber.Dependencies{
		Stores:       stores,
		Contexts:     s.arena,
		Nodes:        s,
		Trees:        s,
		Bus:          s.bus,
		Logger:       log,
		DrainTimeout: s.drainTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build subscribers: %w", err)
	}
	s.subs = subs
	s.subs.Completion.OnMigrated(s.finalize)

	s.watcher, err = s.bus.Subscribe(watcherName, events.TypeStatusChange)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe tree watcher: %w", err)
	}
	return s, nil
}

// Bus returns the event bus nodes and contexts publish to.
func (s *Service) Bus() *events.Bus { return s.bus }

// Arena returns the shared context registry.
func (s *Service) Arena() *sharedctx.Arena { return s.arena }

// Subscribers returns the synchronization pipeline.
func (s *Service) Subscribers() *subscriber.Set { return s.subs }

// Run dispatches events until ctx is done or Shutdown closes the bus. A
// service runs at most once.
func (s *Service) Run(ctx context.Context) error {
	if !s.claimRun() {
		return errors.New("task tree service already running")
	}
	defer close(s.runDone)
	return s.dispatch(ctx)
}

func (s *Service) claimRun() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) dispatch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.subs.Run(ctx)
	})
	g.Go(func() error {
		err := events.Dispatch(ctx, s.watcher, events.EventHandler(watcherFunc(s.watch)), s.logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// Shutdown closes the bus, lets every subscriber work through the events
// already queued, then flushes outstanding writes. Inserts that never landed
// are released so no pending write keeps waiting on them. Only the first call
// does any work; later calls return its result.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Service) shutdown(ctx context.Context) error {
	s.bus.Close()
	if err := s.awaitDispatch(ctx); err != nil {
		return NewServiceError("shutdown", "draining queued events", err)
	}
	if err := s.subs.Cleanup(ctx); err != nil {
		return NewServiceError("shutdown", "flushing pending writes", err)
	}
	return nil
}

// awaitDispatch delivers every event still queued once the bus is closed. It
// waits for a running Run first, then dispatches whatever Run left behind,
// which covers a Run that was never started or stopped on its own context.
func (s *Service) awaitDispatch(ctx context.Context) error {
	if s.claimRun() {
		defer close(s.runDone)
	} else {
		select {
		case <-s.runDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.dispatch(ctx)
}

// Stats summarises live state and the synchronization pipeline.
type Stats struct {
	LiveTrees   int                 `json:"live_trees"`
	LiveTasks   int                 `json:"live_tasks"`
	Contexts    sharedctx.Stats     `json:"contexts"`
	Subscribers subscriber.SetStats `json:"subscribers"`
}

// Stats returns a snapshot of service activity.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	trees, tasks := len(s.roots), len(s.nodes)
	s.mu.RUnlock()
	return Stats{
		LiveTrees:   trees,
		LiveTasks:   tasks,
		Contexts:    s.arena.GlobalStats(),
		Subscribers: s.subs.Stats(),
	}
}

// CreateRoot starts a new tree. Its shared context is seeded from
// initialContext and registered before the root node exists, so the context
// is saved as soon as the root row lands.
func (s *Service) CreateRoot(
	ctx context.Context,
	params domain.NodeParams,
	initialContext map[string]any,
) (*domain.TaskNode, error) {
	if err := s.registry.ValidateExecutor(params.Executor); err != nil {
		return nil, err
	}
	if params.ID == "" {
		params.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[params.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, params.ID)
	}
	if _, err := s.arena.CreateShared(ctx, params.ID, initialContext, false); err != nil {
		return nil, err
	}

	root, err := domain.NewTaskNode(params, nil, s.subs.Gate)
	if err != nil {
		s.arena.Delete(params.ID)
		return nil, err
	}
	s.roots[root.ID()] = root
	s.nodes[root.ID()] = root

	logger.FromContextOrDefault(ctx, s.logger).Info("created task tree",
		slog.String("root_task_id", root.ID()),
		slog.String("name", root.Name()))
	return root, nil
}

// CreateChild adds a node under parentID.
func (s *Service) CreateChild(
	ctx context.Context,
	parentID string,
	params domain.NodeParams,
) (*domain.TaskNode, error) {
	if err := s.registry.ValidateExecutor(params.Executor); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrTaskNotFound, parentID)
	}
	if params.ID != "" {
		if _, exists := s.nodes[params.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrTaskExists, params.ID)
		}
	}

	child, err := domain.NewTaskNode(params, parent, s.subs.Gate)
	if err != nil {
		return nil, err
	}
	s.nodes[child.ID()] = child

	logger.FromContextOrDefault(ctx, s.logger).Debug("created task",
		slog.String("task_id", child.ID()),
		slog.String("parent_id", parentID),
		slog.String("root_task_id", child.RootTaskID()))
	return child, nil
}

// Task returns the live node with id.
func (s *Service) Task(id string) (*domain.TaskNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Root returns the live root node with id.
func (s *Service) Root(rootTaskID string) (*domain.TaskNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.roots[rootTaskID]
	return n, ok
}

// Roots returns every live root ordered by creation time.
func (s *Service) Roots() []*domain.TaskNode {
	s.mu.RLock()
	roots := make([]*domain.TaskNode, 0, len(s.roots))
	for _, r := range s.roots {
		roots = append(roots, r)
	}
	s.mu.RUnlock()
	sortRoots(roots)
	return roots
}

func sortRoots(roots []*domain.TaskNode) {
	sort.Slice(roots, func(i, j int) bool {
		a, b := roots[i].Snapshot(), roots[j].Snapshot()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SharedContext returns the shared context of a live tree.
func (s *Service) SharedContext(rootTaskID string) (*sharedctx.Context, bool) {
	return s.arena.Get(rootTaskID)
}

// NodeSnapshot implements subscriber.NodeLookup.
func (s *Service) NodeSnapshot(taskID string) (domain.TaskSnapshot, bool) {
	s.mu.RLock()
	n, ok := s.nodes[taskID]
	s.mu.RUnlock()
	if !ok {
		return domain.TaskSnapshot{}, false
	}
	return n.Snapshot(), true
}

// TaskIDs implements subscriber.TreeIndex.
func (s *Service) TaskIDs(rootTaskID string) []string {
	s.mu.RLock()
	root, ok := s.roots[rootTaskID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	var ids []string
	root.Walk(func(n *domain.TaskNode) bool {
		ids = append(ids, n.ID())
		return true
	})
	return ids
}

// register adds a restored tree to the live set. It reports false when the
// root is already live.
func (s *Service) register(root *domain.TaskNode, index map[string]*domain.TaskNode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roots[root.ID()]; exists {
		return false
	}
	s.roots[root.ID()] = root
	for id, n := range index {
		s.nodes[id] = n
	}
	return true
}

// finalize drops a migrated tree from memory.
func (s *Service) finalize(ctx context.Context, rootTaskID string) {
	ids := s.TaskIDs(rootTaskID)

	s.mu.Lock()
	delete(s.roots, rootTaskID)
	for _, id := range ids {
		delete(s.nodes, id)
	}
	s.mu.Unlock()

	s.arena.Delete(rootTaskID)
	logger.FromContextOrDefault(ctx, s.logger).Debug("released task tree",
		slog.String("root_task_id", rootTaskID),
		slog.Int("tasks", len(ids)))
}
