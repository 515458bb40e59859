package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/tasktree/internal/redact"
)

// Common errors returned by the Bus and its subscriptions
var (
	ErrBusClosed          = errors.New("event bus is closed")
	ErrSubscriptionClosed = errors.New("subscription is closed")
	ErrDuplicateName      = errors.New("subscription name already registered")
)

// Bus fans published events out to named subscriptions. Every subscription has
// an unbounded FIFO mailbox, so Publish never blocks and never drops an event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *slog.Logger
}

// NewBus creates a new, open event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers a named subscription receiving the given event types.
// With no types the subscription receives every event.
func (b *Bus) Subscribe(name string, types ...Type) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subs[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	sub := newSubscription(name, types)
	b.subs[name] = sub
	b.logger.Debug("registered subscription",
		"subscription", name,
		"types", types,
		"subscription_count", len(b.subs))
	return sub, nil
}

// Unsubscribe removes and closes the named subscription.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers the event to every subscription interested in its type.
func (b *Bus) Publish(event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subs {
		if sub.accepts(event.EventType()) {
			sub.push(event)
		}
	}
	return nil
}

// Close shuts down the bus and closes every subscription. Events already queued
// in a mailbox are still delivered before Next reports ErrSubscriptionClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.logger.Info("event bus closed", "subscription_count", len(subs))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is a single consumer's mailbox on the Bus.
type Subscription struct {
	name   string
	types  map[Type]struct{}
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool
}

func newSubscription(name string, types []Type) *Subscription {
	s := &Subscription{
		name:   name,
		notify: make(chan struct{}, 1),
	}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	return s
}

// Name returns the subscription's registered name.
func (s *Subscription) Name() string {
	return s.name
}

// Len returns the number of events waiting in the mailbox.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) accepts(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *Subscription) push(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription is closed and
// drained, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dispatch feeds events from sub to handler until the subscription is closed or
// ctx is done. Handler errors are logged and never stop the loop.
func Dispatch(ctx context.Context, sub *Subscription, handler EventHandler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSubscriptionClosed) {
				return nil
			}
			return err
		}

		if err := handler.HandleEvent(ctx, event); err != nil {
			logger.Error("handler failed to process event",
				slog.String("error", redact.Error(err)),
				slog.String("subscription", sub.name),
				slog.String("event_type", string(event.EventType())))
		}
	}
}
