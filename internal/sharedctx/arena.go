package sharedctx

import (
	"context"
	"encoding/json"
	"errors"
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

// Stats summarises every registered context.
type Stats struct {
	TotalContexts int `json:"total_contexts"`
	TotalKeys     int `json:"total_keys"`
	// TotalDataSize is the summed length of each context's JSON encoding.
	TotalDataSize int `json:"total_data_size"`
}

// Arena owns at most one Context per root task id.
type Arena struct {
	repo      store.SharedContextRepository
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	contexts map[string]*Context
}

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) ArenaOption {
	return func(a *Arena) {
		a.now = now
	}
}

// NewArena creates an empty arena. repo is only consulted in recovery mode
// and may be nil when recovery is never requested.
func NewArena(
	repo store.SharedContextRepository,
	publisher events.Publisher,
	log *slog.Logger,
	opts ...ArenaOption,
) *Arena {
	if log == nil {
		log = slog.Default()
	}
	a := &Arena{
		repo:      repo,
		publisher: publisher,
		logger:    log.With(slog.String("component", "shared_context_arena")),
		now:       time.Now,
		contexts:  make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateShared returns the context for rootTaskID, creating it from initial if
// none is registered. An existing context is returned unchanged and initial is
// ignored. In recovery mode a new context is hydrated from the persisted
// snapshot, whose values win over initial; a failed load is logged and the
// context starts from initial alone. Creation publishes no event.
func (a *Arena) CreateShared(
	ctx context.Context,
	rootTaskID string,
	initial map[string]any,
	recoveryMode bool,
) (*Context, error) {
	if rootTaskID == "" {
		return nil, domain.NewValidationError("root_task_id", "cannot be empty")
	}
	if sc, ok := a.Get(rootTaskID); ok {
		return sc, nil
	}

	v, err, _ := a.group.Do(rootTaskID, func() (any, error) {
		if sc, ok := a.Get(rootTaskID); ok {
			return sc, nil
		}

		data := domain.CloneMap(initial)
		if data == nil {
			data = make(map[string]any)
		}
		if recoveryMode {
			for k, v := range a.load(ctx, rootTaskID) {
				data[k] = v
			}
		}

		sc := newContext(rootTaskID, data, a.publisher, a.now)
		a.mu.Lock()
		a.contexts[rootTaskID] = sc
		a.mu.Unlock()
		return sc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

func (a *Arena) load(ctx context.Context, rootTaskID string) map[string]any {
	log := logger.FromContextOrDefault(ctx, a.logger).With(slog.String("root_task_id", rootTaskID))
	if a.repo == nil {
		log.Warn("no shared context repository configured, skipping recovery load")
		return nil
	}
	persisted, err := a.repo.FindContext(ctx, rootTaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Debug("no persisted shared context")
		return nil
	case err != nil:
		log.Error("failed to load persisted shared context",
			slog.String("error", redact.Error(err)))
		return nil
	}
	log.Debug("hydrated shared context", slog.Int("keys", len(persisted)))
	return persisted
}

// Get returns the registered context for rootTaskID.
func (a *Arena) Get(rootTaskID string) (*Context, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sc, ok := a.contexts[rootTaskID]
	return sc, ok
}

// Snapshot returns a copy of the registered context's contents.
func (a *Arena) Snapshot(rootTaskID string) (map[string]any, bool) {
	sc, ok := a.Get(rootTaskID)
	if !ok {
		return nil, false
	}
	return sc.Snapshot(), true
}

// Delete unregisters the context for rootTaskID, detaches its listeners and
// clears it. It reports whether a context was registered.
func (a *Arena) Delete(rootTaskID string) bool {
	a.mu.Lock()
	sc, ok := a.contexts[rootTaskID]
	delete(a.contexts, rootTaskID)
	a.mu.Unlock()
	if ok {
		sc.detach()
	}
	return ok
}

// RootTaskIDs returns the ids of every registered context.
func (a *Arena) RootTaskIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.contexts))
	for id := range a.contexts {
		ids = append(ids, id)
	}
	return ids
}

// GlobalStats summarises every registered context.
func (a *Arena) GlobalStats() Stats {
	a.mu.RLock()
	contexts := make([]*Context, 0, len(a.contexts))
	for _, sc := range a.contexts {
		contexts = append(contexts, sc)
	}
	a.mu.RUnlock()

	stats := Stats{TotalContexts: len(contexts)}
	for _, sc := range contexts {
		snap := sc.Snapshot()
		stats.TotalKeys += len(snap)
		encoded, err := json.Marshal(snap)
		if err != nil {
			a.logger.Warn("shared context not JSON encodable",
				slog.String("root_task_id", sc.RootTaskID()),
				slog.String("error", redact.Error(err)))
			continue
		}
		stats.TotalDataSize += len(encoded)
	}
	return stats
}
