package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/phrazzld/tasktree/internal/events"
)

// ErrNotPersisted is returned by PersistGate.Wait when the task's insert
// failed or was abandoned.
var ErrNotPersisted = errors.New("task row not persisted")

type gateState struct {
	done     chan struct{}
	resolved bool
	err      error
}

// PersistGate tracks node inserts that have not yet succeeded. It is also an
// events.Publisher: placed between task nodes and the bus, it registers every
// NodeCreatedEvent before forwarding it, so no later event for the node can
// reach a subscriber ahead of the registration.
type PersistGate struct {
	next events.Publisher

	mu          sync.Mutex
	pending     map[string]*gateState
	onPersisted []func(taskID string)
}

var _ events.Publisher = (*PersistGate)(nil)

// NewPersistGate creates a gate forwarding to next, which may be nil.
func NewPersistGate(next events.Publisher) *PersistGate {
	return &PersistGate{
		next:    next,
		pending: make(map[string]*gateState),
	}
}

// Publish implements events.Publisher.
func (g *PersistGate) Publish(event events.Event) error {
	if created, ok := event.(events.NodeCreatedEvent); ok {
		g.Expect(created.TaskID)
	}
	if g.next == nil {
		return nil
	}
	return g.next.Publish(event)
}

// Expect marks taskID as awaiting its insert. A previously failed insert is
// reset to pending.
func (g *PersistGate) Expect(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.pending[taskID]; ok && !s.resolved {
		return
	}
	g.pending[taskID] = &gateState{done: make(chan struct{})}
}

// Resolve records the outcome of taskID's insert. Success releases waiters
// and runs the OnPersisted callbacks; failure releases waiters with
// ErrNotPersisted and keeps the task pending until the next Expect.
func (g *PersistGate) Resolve(taskID string, err error) {
	g.mu.Lock()
	s, ok := g.pending[taskID]
	if !ok {
		if err == nil {
			g.mu.Unlock()
			return
		}
		s = &gateState{done: make(chan struct{})}
		g.pending[taskID] = s
	}
	if !s.resolved {
		s.resolved = true
		s.err = err
		close(s.done)
	}
	var callbacks []func(string)
	if err == nil {
		delete(g.pending, taskID)
		callbacks = append(callbacks, g.onPersisted...)
	}
	g.mu.Unlock()

	for _, fn := range callbacks {
		fn(taskID)
	}
}

// Wait blocks until taskID's insert succeeds. Tasks the gate has never seen,
// such as recovered ones, pass immediately.
func (g *PersistGate) Wait(ctx context.Context, taskID string) error {
	g.mu.Lock()
	s, ok := g.pending[taskID]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotPersisted, taskID, s.err)
	}
	return nil
}

// Pending reports whether taskID's insert has not yet succeeded.
func (g *PersistGate) Pending(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[taskID]
	return ok
}

// OnPersisted registers fn to run after each successful insert.
func (g *PersistGate) OnPersisted(fn func(taskID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPersisted = append(g.onPersisted, fn)
}

// Forget drops taskIDs. Anyone still waiting on them is released with
// ErrNotPersisted.
func (g *PersistGate) Forget(taskIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range taskIDs {
		s, ok := g.pending[id]
		if !ok {
			continue
		}
		if !s.resolved {
			s.resolved = true
			s.err = errors.New("forgotten")
			close(s.done)
		}
		delete(g.pending, id)
	}
}

// ForgetUnresolved drops every task whose insert has neither succeeded nor
// failed, releasing its waiters, and returns their ids.
func (g *PersistGate) ForgetUnresolved() []string {
	g.mu.Lock()
	var ids []string
	for id, s := range g.pending {
		if !s.resolved {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()
	g.Forget(ids...)
	return ids
}

// Len returns the number of tasks whose insert has not succeeded.
func (g *PersistGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
