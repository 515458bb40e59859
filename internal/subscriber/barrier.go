package subscriber

import (
	"context"
	"sync"
)

type barrierState struct {
	arrived   int
	done      chan struct{}
	abandoned bool
}

// Barrier counts arrivals per key and releases waiters once a fixed number
// of parties have arrived. Each key is expected to see exactly that many
// arrivals.
type Barrier struct {
	parties int

	mu   sync.Mutex
	keys map[string]*barrierState
}

// NewBarrier creates a barrier for the given number of parties. With zero
// parties Wait never blocks.
func NewBarrier(parties int) *Barrier {
	return &Barrier{
		parties: parties,
		keys:    make(map[string]*barrierState),
	}
}

func (b *Barrier) stateLocked(key string) *barrierState {
	s, ok := b.keys[key]
	if !ok {
		s = &barrierState{done: make(chan struct{})}
		b.keys[key] = s
	}
	return s
}

// Arrive records one party reaching key.
func (b *Barrier) Arrive(key string) {
	if b == nil || b.parties <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stateLocked(key)
	s.arrived++
	if s.arrived == b.parties {
		close(s.done)
		if s.abandoned {
			delete(b.keys, key)
		}
	}
}

// Wait blocks until every party has arrived at key.
func (b *Barrier) Wait(ctx context.Context, key string) error {
	if b == nil || b.parties <= 0 {
		return nil
	}
	b.mu.Lock()
	s := b.stateLocked(key)
	b.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget releases key. If parties are still to arrive, the key is dropped
// when the last of them does.
func (b *Barrier) Forget(key string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stateLocked(key)
	if s.arrived >= b.parties {
		delete(b.keys, key)
		return
	}
	s.abandoned = true
}

// Len returns the number of keys being tracked.
func (b *Barrier) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}
