package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/tasktree/internal/coalesce"
	"github.com/phrazzld/tasktree/internal/events"
	"github.com/phrazzld/tasktree/internal/store"
)

// Subscription names registered on the bus.
const (
	NameMetadataSync      = "metadata_sync"
	NameStatusSync        = "status_sync"
	NameContextSync       = "context_sync"
	NameNodeCreationSync  = "node_creation_sync"
	NameCompletionHandler = "completion_handler"
)

// syncParties is the number of subscribers that arrive at the completion
// barrier.
const syncParties = 4

// Dependencies are the collaborators of a Set.
type Dependencies struct {
	Stores   store.Stores
	Contexts ContextSource
	Nodes    NodeLookup
	Trees    TreeIndex
	Bus      *events.Bus
	Logger   *slog.Logger

	// DrainTimeout bounds each completion's wait for pending writes.
	DrainTimeout time.Duration
}

// Set is the full synchronization pipeline wired to one bus.
type Set struct {
	Gate       *PersistGate
	Barrier    *Barrier
	Metadata   *MetadataSync
	Status     *StatusSync
	Context    *ContextSync
	Creation   *NodeCreationSync
	Completion *CompletionHandler

	logger *slog.Logger
	subs   []dispatch
}

type dispatch struct {
	sub     *events.Subscription
	handler events.EventHandler
}

// SetStats groups the counters of every subscriber.
type SetStats struct {
	Metadata       coalesce.Stats  `json:"metadata"`
	Status         coalesce.Stats  `json:"status"`
	Context        coalesce.Stats  `json:"context"`
	NodeCreation   coalesce.Stats  `json:"node_creation"`
	Completion     CompletionStats `json:"completion"`
	PendingInserts int             `json:"pending_inserts"`
	FailedInserts  int             `json:"failed_inserts"`
}

// NewSet builds every subscriber and registers their subscriptions on
// deps.Bus. Nodes must publish through the returned Set's Gate.
func NewSet(deps Dependencies) (*Set, error) {
	if deps.Bus == nil {
		return nil, errors.New("subscriber set requires a bus")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	gate := NewPersistGate(deps.Bus)
	barrier := NewBarrier(syncParties)
	withBarrier := WithBarrier(barrier)

	s := &Set{
		Gate:       gate,
		Barrier:    barrier,
		Metadata:   NewMetadataSync(deps.Stores.Running, gate, log, withBarrier),
		Status:     NewStatusSync(deps.Stores.Running, gate, log, withBarrier),
		Context:    NewContextSync(deps.Stores.Contexts, deps.Contexts, gate, log, withBarrier),
		Creation:   NewNodeCreationSync(deps.Stores.Running, deps.Nodes, gate, log, withBarrier),
		Completion: NewCompletionHandler(deps.Stores.Migration, deps.Trees, gate, log,
			withBarrier, WithDrainTimeout(deps.DrainTimeout)),
		logger:     log.With(slog.String("component", "subscriber_set")),
	}
	s.Completion.Track(s.Creation, s.Status, s.Metadata, s.Context)

	registrations := []struct {
		name    string
		handler events.EventHandler
		types   []events.Type
	}{
		{NameNodeCreationSync, s.Creation, []events.Type{events.TypeNodeCreated, events.TypeTreeCompletion}},
		{NameStatusSync, s.Status, []events.Type{events.TypeStatusChange, events.TypeTreeCompletion}},
		{NameMetadataSync, s.Metadata, []events.Type{events.TypeMetadataChange, events.TypeTreeCompletion}},
		{NameContextSync, s.Context, []events.Type{events.TypeContextChange, events.TypeTreeCompletion}},
		{NameCompletionHandler, s.Completion, []events.Type{events.TypeTreeCompletion}},
	}
	for _, r := range registrations {
		sub, err := deps.Bus.Subscribe(r.name, r.types...)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe %s: %w", r.name, err)
		}
		s.subs = append(s.subs, dispatch{sub: sub, handler: r.handler})
	}
	return s, nil
}

// Run dispatches events to every subscriber until ctx is done or the bus is
// closed.
func (s *Set) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range s.subs {
		g.Go(func() error {
			return events.Dispatch(ctx, d.sub, d.handler, s.logger)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Cleanup waits for outstanding writes of every subscriber and stops them.
// Inserts are flushed first; any task whose insert still has not landed is
// then released from the gate, so writes queued behind it fail instead of
// waiting forever.
func (s *Set) Cleanup(ctx context.Context) error {
	creationErr := s.Creation.Cleanup(ctx)
	if abandoned := s.Gate.ForgetUnresolved(); len(abandoned) > 0 {
		s.logger.Warn("abandoning writes for tasks never inserted",
			slog.Int("count", len(abandoned)))
	}
	return errors.Join(
		creationErr,
		s.Status.Cleanup(ctx),
		s.Metadata.Cleanup(ctx),
		s.Context.Cleanup(ctx),
	)
}

// Stats returns the counters of every subscriber.
func (s *Set) Stats() SetStats {
	return SetStats{
		Metadata:       s.Metadata.Stats(),
		Status:         s.Status.Stats(),
		Context:        s.Context.Stats(),
		NodeCreation:   s.Creation.Stats(),
		Completion:     s.Completion.Stats(),
		PendingInserts: s.Gate.Len(),
		FailedInserts:  len(s.Creation.Failed()),
	}
}
