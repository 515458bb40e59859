// Package sharedctx holds the key/value context shared by every node of one
// task tree, and the Arena that owns one such context per root task.
package sharedctx

import (
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
	"github.com/phrazzld/tasktree/internal/events"
)

// Listener observes changes to a single Context. Listeners run on the
// mutating goroutine after the context lock has been released.
type Listener func(events.ContextChangeEvent)

// Context is a concurrency-safe flat map scoped to one task tree. Every
// mutation publishes exactly one ContextChangeEvent.
type Context struct {
	rootTaskID string
	publisher  events.Publisher
	now        func() time.Time

	mu        sync.RWMutex
	data      map[string]any
	listeners map[uint64]Listener
	nextID    uint64
	detached  bool
}

func newContext(rootTaskID string, initial map[string]any, publisher events.Publisher, now func() time.Time) *Context {
	data := domain.CloneMap(initial)
	if data == nil {
		data = make(map[string]any)
	}
	return &Context{
		rootTaskID: rootTaskID,
		publisher:  publisher,
		now:        now,
		data:       data,
		listeners:  make(map[uint64]Listener),
	}
}

// RootTaskID returns the id of the tree this context belongs to.
func (c *Context) RootTaskID() string { return c.rootTaskID }

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetOrDefault returns the value stored under key, or def when absent.
func (c *Context) GetOrDefault(key string, def any) any {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	old := c.data[key]
	c.data[key] = value
	notify := c.emitLocked(key, old, value, events.OperationSet)
	c.mu.Unlock()
	notify()
}

// Delete removes key. It reports whether the key existed; deleting a missing
// key changes nothing and emits nothing.
func (c *Context) Delete(key string) bool {
	c.mu.Lock()
	old, ok := c.data[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.data, key)
	notify := c.emitLocked(key, old, nil, events.OperationDelete)
	c.mu.Unlock()
	notify()
	return true
}

// Update merges patch into the context as a single change.
func (c *Context) Update(patch map[string]any) {
	c.mu.Lock()
	old := domain.CloneMap(c.data)
	for k, v := range patch {
		c.data[k] = v
	}
	notify := c.emitLocked(events.WildcardKey, old, domain.CloneMap(c.data), events.OperationSet)
	c.mu.Unlock()
	notify()
}

// UpdateFunc replaces the whole context with fn's result. fn receives a copy
// of the current contents and runs under the context lock, so it must not
// call back into c.
func (c *Context) UpdateFunc(fn func(prev map[string]any) map[string]any) {
	c.mu.Lock()
	old := domain.CloneMap(c.data)
	next := fn(domain.CloneMap(c.data))
	if next == nil {
		next = make(map[string]any)
	}
	c.data = domain.CloneMap(next)
	notify := c.emitLocked(events.WildcardKey, old, domain.CloneMap(c.data), events.OperationSet)
	c.mu.Unlock()
	notify()
}

// Clear removes every key.
func (c *Context) Clear() {
	c.mu.Lock()
	old := c.data
	c.data = make(map[string]any)
	notify := c.emitLocked(events.WildcardKey, old, map[string]any{}, events.OperationClear)
	c.mu.Unlock()
	notify()
}

// Keys returns the keys in sorted order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the values ordered by key.
func (c *Context) Values() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = c.data[k]
	}
	return values
}

// Size returns the number of keys.
func (c *Context) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Snapshot returns a deep copy of the contents.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.CloneMap(c.data)
}

// Subscribe registers listener and returns a function that removes it.
func (c *Context) Subscribe(listener Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// detach drops every listener and the contents without publishing anything.
// Mutations after detach still apply locally but are no longer published.
func (c *Context) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	c.listeners = make(map[uint64]Listener)
	c.data = make(map[string]any)
}

// emitLocked publishes the change to the bus and returns a function that
// delivers it to listeners. Callers hold c.mu and invoke the returned
// function after unlocking.
func (c *Context) emitLocked(key string, oldValue, newValue any, op string) func() {
	if c.detached {
		return func() {}
	}
	event := events.ContextChangeEvent{
		RootTaskID: c.rootTaskID,
		Key:        key,
		OldValue:   oldValue,
		NewValue:   newValue,
		Timestamp:  c.now().UTC(),
		Operation:  op,
	}
	if c.publisher != nil {
		_ = c.publisher.Publish(event)
	}
	if len(c.listeners) == 0 {
		return func() {}
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	return func() {
		for _, l := range listeners {
			l(event)
		}
	}
}
