package sharedctx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/tasktree/internal/events"
)

// recorder is a Publisher that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) contextEvents() []events.ContextChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ContextChangeEvent
	for _, e := range r.events {
		if ce, ok := e.(events.ContextChangeEvent); ok {
			out = append(out, ce)
		}
	}
	return out
}

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestContext_SetAndGet(t *testing.T) {
	rec := &recorder{}
	sc := newContext("root-1", map[string]any{"a": 1}, rec, fixedClock)

	v, ok := sc.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, "fallback", sc.GetOrDefault("missing", "fallback"))
	assert.False(t, sc.Has("b"))

	sc.Set("b", "two")
	sc.Set("a", 10)

	assert.True(t, sc.Has("b"))
	assert.Equal(t, []string{"a", "b"}, sc.Keys())
	assert.Equal(t, []any{10, "two"}, sc.Values())
	assert.Equal(t, 2, sc.Size())

	evs := rec.contextEvents()
	require.Len(t, evs, 2)
	assert.Equal(t, events.ContextChangeEvent{
		RootTaskID: "root-1",
		Key:        "b",
		OldValue:   nil,
		NewValue:   "two",
		Timestamp:  fixedNow,
		Operation:  events.OperationSet,
	}, evs[0])
	assert.Equal(t, 1, evs[1].OldValue)
	assert.Equal(t, 10, evs[1].NewValue)
}

func TestContext_InitialIsCopied(t *testing.T) {
	initial := map[string]any{"a": 1}
	sc := newContext("root-1", initial, nil, fixedClock)
	initial["a"] = 2

	assert.Equal(t, 1, sc.GetOrDefault("a", nil))
}

func TestContext_Delete(t *testing.T) {
	rec := &recorder{}
	sc := newContext("root-1", map[string]any{"a": 1}, rec, fixedClock)

	assert.False(t, sc.Delete("missing"))
	assert.Empty(t, rec.contextEvents())

	assert.True(t, sc.Delete("a"))
	evs := rec.contextEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.OperationDelete, evs[0].Operation)
	assert.Equal(t, "a", evs[0].Key)
	assert.Equal(t, 1, evs[0].OldValue)
	assert.Nil(t, evs[0].NewValue)
}

func TestContext_UpdateEmitsOneWildcardEvent(t *testing.T) {
	rec := &recorder{}
	sc := newContext("root-1", map[string]any{"a": 1}, rec, fixedClock)

	sc.Update(map[string]any{"b": 2, "c": 3})

	evs := rec.contextEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.WildcardKey, evs[0].Key)
	assert.Equal(t, events.OperationSet, evs[0].Operation)
	assert.Equal(t, map[string]any{"a": 1}, evs[0].OldValue)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, evs[0].NewValue)
}

func TestContext_UpdateFuncReplaces(t *testing.T) {
	rec := &recorder{}
	sc := newContext("root-1", map[string]any{"count": 1, "stale": true}, rec, fixedClock)

	sc.UpdateFunc(func(prev map[string]any) map[string]any {
		return map[string]any{"count": prev["count"].(int) + 1}
	})

	assert.Equal(t, map[string]any{"count": 2}, sc.Snapshot())
	evs := rec.contextEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.WildcardKey, evs[0].Key)
	assert.Equal(t, map[string]any{"count": 1, "stale": true}, evs[0].OldValue)
}

func TestContext_Clear(t *testing.T) {
	rec := &recorder{}
	sc := newContext("root-1", map[string]any{"a": 1}, rec, fixedClock)

	sc.Clear()

	assert.Zero(t, sc.Size())
	evs := rec.contextEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, events.OperationClear, evs[0].Operation)
	assert.Equal(t, map[string]any{"a": 1}, evs[0].OldValue)
}

func TestContext_SnapshotIsDeepCopy(t *testing.T) {
	sc := newContext("root-1", nil, nil, fixedClock)
	sc.Set("nested", map[string]any{"x": 1})

	snap := sc.Snapshot()
	snap["nested"].(map[string]any)["x"] = 99

	v, _ := sc.Get("nested")
	assert.Equal(t, 1, v.(map[string]any)["x"])
}

func TestContext_Subscribe(t *testing.T) {
	sc := newContext("root-1", nil, nil, fixedClock)

	var got []string
	unsubscribe := sc.Subscribe(func(e events.ContextChangeEvent) {
		// Listeners run outside the lock and may read the context.
		got = append(got, e.Key+":"+e.Operation)
		_ = sc.Size()
	})

	sc.Set("a", 1)
	sc.Delete("a")
	unsubscribe()
	sc.Set("b", 2)

	assert.Equal(t, []string{"a:set", "a:delete"}, got)
}

func TestContext_DetachSilences(t *testing.T) {
	rec := &recorder{}
	sc := newContext("root-1", map[string]any{"a": 1}, rec, fixedClock)
	called := false
	sc.Subscribe(func(events.ContextChangeEvent) { called = true })

	sc.detach()
	sc.Set("b", 2)

	assert.False(t, called)
	assert.Empty(t, rec.contextEvents())
	assert.Equal(t, map[string]any{"b": 2}, sc.Snapshot())
}

func TestContext_ConcurrentSets(t *testing.T) {
	rec := &recorder{}
	sc := newContext("root-1", nil, rec, fixedClock)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc.Set("k", i)
		}(i)
	}
	wg.Wait()

	assert.Len(t, rec.contextEvents(), 50)
	assert.Equal(t, 1, sc.Size())
}
