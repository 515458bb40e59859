package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/tasktree/internal/redact"
)

// Lease is a held execution lock.
type Lease struct {
	m   *Manager
	key string

	mu        sync.Mutex
	expiresAt time.Time
	released  bool
	stop      chan struct{}
}

func newLease(m *Manager, key string, expiresAt time.Time) *Lease {
	return &Lease{
		m:         m,
		key:       key,
		expiresAt: expiresAt,
		stop:      make(chan struct{}),
	}
}

// Key returns the lock key.
func (l *Lease) Key() string { return l.key }

// ExpiresAt returns the current expiry.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Renew extends the lease by the manager's TTL from now.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return fmt.Errorf("lease %s already released", l.key)
	}
	expiresAt := l.m.now().Add(l.m.ttl)
	if err := l.m.repo.RenewLock(ctx, l.key, l.m.owner, expiresAt); err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", l.key, err)
	}
	l.expiresAt = expiresAt
	return nil
}

// KeepAlive renews the lease every ttl/3 until it is released or ctx is
// done. The returned channel yields the renewal error that ended the loop, or
// nil, and is then closed.
func (l *Lease) KeepAlive(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	interval := l.m.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					if l.Released() {
						return
					}
					l.m.logger.Error("lease renewal failed, lock may be lost",
						slog.String("lock_key", l.key),
						slog.String("error", redact.Error(err)))
					done <- err
					return
				}
			}
		}
	}()
	return done
}

// Release stops any KeepAlive loop and deletes the lock. Releasing twice is a
// no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	close(l.stop)
	l.mu.Unlock()

	if err := l.m.repo.ReleaseLock(ctx, l.key, l.m.owner); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	l.m.logger.Debug("lock released", slog.String("lock_key", l.key))
	return nil
}
