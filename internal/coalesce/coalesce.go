// Package coalesce provides a per-key write coalescer: at most one persist
// call runs per key at a time, and submissions that arrive while one is in
// flight collapse into a single follow-up write carrying the latest value.
package coalesce

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/phrazzld/tasktree/internal/redact"
)

// ErrClosed is returned by Submit after Cleanup has started.
var ErrClosed = errors.New("coalescer closed")

// PersistFunc writes one value for one key.
type PersistFunc[K comparable, V any] func(ctx context.Context, key K, value V) error

// ErrorFunc is called when a persist call fails. The value is not retried by
// the coalescer itself.
type ErrorFunc[K comparable, V any] func(key K, value V, err error)

// Stats is a point-in-time view of coalescer activity.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Coalesced uint64 `json:"coalesced"`
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Active    int    `json:"active"`
}

type entry[V any] struct {
	pending    V
	hasPending bool
	idle       chan struct{}
}

// Coalescer serialises persistence per key.
type Coalescer[K comparable, V any] struct {
	name    string
	persist PersistFunc[K, V]
	onError ErrorFunc[K, V]
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[K]*entry[V]
	closed  bool
	stats   Stats
}

// Option configures a Coalescer.
type Option[K comparable, V any] func(*Coalescer[K, V])

// WithErrorHandler registers fn to observe failed writes.
func WithErrorHandler[K comparable, V any](fn ErrorFunc[K, V]) Option[K, V] {
	return func(c *Coalescer[K, V]) {
		c.onError = fn
	}
}

// New creates a coalescer. name identifies it in logs.
func New[K comparable, V any](
	name string,
	persist PersistFunc[K, V],
	logger *slog.Logger,
	opts ...Option[K, V],
) *Coalescer[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coalescer[K, V]{
		name:    name,
		persist: persist,
		logger:  logger.With(slog.String("coalescer", name)),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[K]*entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit schedules value to be written for key. If no write is running for the
// key one starts immediately; otherwise value replaces whatever was waiting, so
// the next write carries the most recent submission.
func (c *Coalescer[K, V]) Submit(key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.stats.Submitted++

	if e, ok := c.entries[key]; ok {
		if e.hasPending {
			c.stats.Coalesced++
		}
		e.pending = value
		e.hasPending = true
		return nil
	}

	e := &entry[V]{pending: value, hasPending: true, idle: make(chan struct{})}
	c.entries[key] = e
	c.wg.Add(1)
	go c.run(key, e)
	return nil
}

func (c *Coalescer[K, V]) run(key K, e *entry[V]) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if !e.hasPending {
			delete(c.entries, key)
			close(e.idle)
			c.mu.Unlock()
			return
		}
		value := e.pending
		var zero V
		e.pending = zero
		e.hasPending = false
		c.mu.Unlock()

		err := c.persist(c.ctx, key, value)

		c.mu.Lock()
		if err != nil {
			c.stats.Failed++
		} else {
			c.stats.Persisted++
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Error("persist failed",
				slog.Any("key", key),
				slog.String("error", redact.Error(err)))
			if c.onError != nil {
				c.onError(key, value, err)
			}
		}
	}
}

// Active reports whether a write is running or waiting for key.
func (c *Coalescer[K, V]) Active(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Drain blocks until no write is running or waiting for any of keys.
func (c *Coalescer[K, V]) Drain(ctx context.Context, keys ...K) error {
	for _, key := range keys {
		for {
			c.mu.Lock()
			e, ok := c.entries[key]
			c.mu.Unlock()
			if !ok {
				break
			}
			select {
			case <-e.idle:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// DrainAll blocks until every key is idle.
func (c *Coalescer[K, V]) DrainAll(ctx context.Context) error {
	return c.Drain(ctx, c.keys()...)
}

// Forget discards values still waiting for keys. A write already running
// completes normally.
func (c *Coalescer[K, V]) Forget(keys ...K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if e, ok := c.entries[key]; ok && e.hasPending {
			var zero V
			e.pending = zero
			e.hasPending = false
		}
	}
}

// Stats returns activity counters.
func (c *Coalescer[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Active = len(c.entries)
	return s
}

// Cleanup stops accepting submissions and waits for outstanding writes. If
// ctx expires first, running writes are cancelled and ctx's error returned.
func (c *Coalescer[K, V]) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		c.logger.Warn("cleanup interrupted with writes outstanding",
			slog.Int("active", c.Stats().Active))
		return ctx.Err()
	}
}

func (c *Coalescer[K, V]) keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}
