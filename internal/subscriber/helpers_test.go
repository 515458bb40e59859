package subscriber

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// liveTrees is a NodeLookup and TreeIndex over registered nodes.
type liveTrees struct {
	mu    sync.Mutex
	nodes map[string]*domain.TaskNode
}

func newLiveTrees() *liveTrees {
	return &liveTrees{nodes: make(map[string]*domain.TaskNode)}
}

func (l *liveTrees) add(nodes ...*domain.TaskNode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range nodes {
		l.nodes[n.ID()] = n
	}
}

// create builds a node and registers it while holding the lookup lock, so
// the creation sync cannot look the node up before it is registered.
func (l *liveTrees) create(
	t *testing.T,
	params domain.NodeParams,
	parent *domain.TaskNode,
	publisher events.Publisher,
) *domain.TaskNode {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := domain.NewTaskNode(params, parent, publisher)
	require.NoError(t, err)
	l.nodes[n.ID()] = n
	return n
}

func (l *liveTrees) remove(rootTaskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, n := range l.nodes {
		if n.RootTaskID() == rootTaskID {
			delete(l.nodes, id)
		}
	}
}

func (l *liveTrees) NodeSnapshot(taskID string) (domain.TaskSnapshot, bool) {
	l.mu.Lock()
	n, ok := l.nodes[taskID]
	l.mu.Unlock()
	if !ok {
		return domain.TaskSnapshot{}, false
	}
	return n.Snapshot(), true
}

func (l *liveTrees) TaskIDs(rootTaskID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for id, n := range l.nodes {
		if n.RootTaskID() == rootTaskID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// staticContexts is a ContextSource over fixed data.
type staticContexts struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

func (s *staticContexts) set(rootTaskID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]map[string]any)
	}
	s.data[rootTaskID] = data
}

func (s *staticContexts) Snapshot(rootTaskID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[rootTaskID]
	return domain.CloneMap(d), ok
}

// holdFirst makes the first matching operation block until release is
// closed. started is closed once the operation is held.
type holdFirst struct {
	op      mocks.Op
	key     string
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newHoldFirst(op mocks.Op, key string) *holdFirst {
	return &holdFirst{
		op:      op,
		key:     key,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *holdFirst) intercept(op mocks.Op, key string) error {
	if op != h.op || key != h.key {
		return nil
	}
	held := false
	h.once.Do(func() { held = true })
	if held {
		close(h.started)
		<-h.release
	}
	return nil
}

func seedTask(t *testing.T, db *mocks.MemoryDB, id, rootID, parentID string) {
	t.Helper()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	snap := domain.TaskSnapshot{
		ID:         id,
		RootTaskID: rootID,
		ParentID:   parentID,
		Name:       id,
		Type:       domain.NodeTypeDirectory,
		Status:     domain.TaskStatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	db.Seed(snap)
	_, ok := db.RunningTask(id)
	require.True(t, ok)
}
