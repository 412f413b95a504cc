package todo_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/grain/pkg/anomaly"
	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/pubsub"
	"github.com/plaenen/grain/pkg/store/memory"
	"github.com/plaenen/grain/pkg/todo"
)

type fixture struct {
	bus   *pubsub.Bus
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := pubsub.New(pubsub.Config{})
	t.Cleanup(func() { bus.Close() })
	return &fixture{
		bus:   bus,
		store: memory.New(memory.Config{PubSub: bus}),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandlesEventsSequentiallyInOrder(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var seen []string
	processor, err := todo.Start(todo.Config{
		Name:   "order-check",
		PubSub: f.bus,
		Topics: []string{"t/a"},
		Handler: func(ctx context.Context, gctx *grain.Context) *todo.Result {
			mu.Lock()
			seen = append(seen, gctx.Event.Body["n"].(string))
			mu.Unlock()
			return &todo.Result{}
		},
	})
	require.NoError(t, err)
	defer processor.Stop()

	const n = 100
	for i := 0; i < n; i++ {
		_, err := f.store.Append(context.Background(), []*grain.Event{
			{Type: "t/a", Body: map[string]any{"n": fmt.Sprintf("%03d", i)}},
		})
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, "not all events handled")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("%03d", i), seen[i])
	}
}

func TestResultEventsAreAppended(t *testing.T) {
	f := newFixture(t)

	processor, err := todo.Start(todo.Config{
		Name:       "reactor",
		PubSub:     f.bus,
		EventStore: f.store,
		Topics:     []string{"t/source"},
		Handler: func(ctx context.Context, gctx *grain.Context) *todo.Result {
			return &todo.Result{
				ResultEvents: []*grain.Event{{
					Type: "t/derived",
					Body: map[string]any{"from": gctx.Event.ID},
				}},
			}
		},
	})
	require.NoError(t, err)
	defer processor.Stop()

	ids, err := f.store.Append(context.Background(), []*grain.Event{{Type: "t/source"}})
	require.NoError(t, err)

	waitFor(t, func() bool {
		events, err := f.store.Read(context.Background(), grain.ReadQuery{Types: []string{"t/derived"}})
		return err == nil && len(events) == 1
	}, "derived event never appended")

	events, err := f.store.Read(context.Background(), grain.ReadQuery{Types: []string{"t/derived"}})
	require.NoError(t, err)
	assert.Equal(t, ids[0], events[0].Body["from"])
}

// A reactor emitting events that another reactor consumes: the chain runs
// through the store, one hop per processor, and converges when the last
// event type has no subscriber.
func TestReactorChain(t *testing.T) {
	f := newFixture(t)

	hop := func(from, to string) todo.Handler {
		return func(ctx context.Context, gctx *grain.Context) *todo.Result {
			return &todo.Result{
				ResultEvents: []*grain.Event{{Type: to, Body: gctx.Event.Body}},
			}
		}
	}

	first, err := todo.Start(todo.Config{
		Name: "hop-1", PubSub: f.bus, EventStore: f.store,
		Topics:  []string{"t/start"},
		Handler: hop("t/start", "t/middle"),
	})
	require.NoError(t, err)
	defer first.Stop()

	second, err := todo.Start(todo.Config{
		Name: "hop-2", PubSub: f.bus, EventStore: f.store,
		Topics:  []string{"t/middle"},
		Handler: hop("t/middle", "t/end"),
	})
	require.NoError(t, err)
	defer second.Stop()

	_, err = f.store.Append(context.Background(), []*grain.Event{
		{Type: "t/start", Body: map[string]any{"k": "v"}},
	})
	require.NoError(t, err)

	waitFor(t, func() bool {
		events, err := f.store.Read(context.Background(), grain.ReadQuery{Types: []string{"t/end"}})
		return err == nil && len(events) == 1
	}, "chain never reached the final event")
}

func TestAnomaliesAreLoggedNotFatal(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var handled []string
	processor, err := todo.Start(todo.Config{
		Name:   "flaky",
		PubSub: f.bus,
		Topics: []string{"t/a"},
		Handler: func(ctx context.Context, gctx *grain.Context) *todo.Result {
			mu.Lock()
			handled = append(handled, gctx.Event.Body["n"].(string))
			mu.Unlock()
			if gctx.Event.Body["n"] == "1" {
				return &todo.Result{Anomaly: anomaly.New(anomaly.Fault, "transient")}
			}
			if gctx.Event.Body["n"] == "2" {
				panic("handler bug")
			}
			return &todo.Result{}
		},
	})
	require.NoError(t, err)
	defer processor.Stop()

	for i := 0; i < 4; i++ {
		_, err := f.store.Append(context.Background(), []*grain.Event{
			{Type: "t/a", Body: map[string]any{"n": fmt.Sprintf("%d", i)}},
		})
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 4
	}, "processor died on anomaly or panic")
}

func TestMultipleTopics(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	byType := map[string]int{}
	processor, err := todo.Start(todo.Config{
		Name:   "multi",
		PubSub: f.bus,
		Topics: []string{"t/a", "t/b"},
		Handler: func(ctx context.Context, gctx *grain.Context) *todo.Result {
			mu.Lock()
			byType[gctx.Event.Type]++
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	defer processor.Stop()

	for i := 0; i < 3; i++ {
		_, err := f.store.Append(context.Background(), []*grain.Event{
			{Type: "t/a"}, {Type: "t/b"},
		})
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return byType["t/a"] == 3 && byType["t/b"] == 3
	}, "events from both topics expected")
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	f := newFixture(t)

	entered := make(chan struct{})
	var mu sync.Mutex
	finished := false
	processor, err := todo.Start(todo.Config{
		Name:   "slow",
		PubSub: f.bus,
		Topics: []string{"t/a"},
		Handler: func(ctx context.Context, gctx *grain.Context) *todo.Result {
			close(entered)
			time.Sleep(100 * time.Millisecond)
			mu.Lock()
			finished = true
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	_, err = f.store.Append(context.Background(), []*grain.Event{{Type: "t/a"}})
	require.NoError(t, err)

	<-entered
	processor.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished, "Stop must wait for the in-flight handler")
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)

	_, err := todo.Start(todo.Config{PubSub: f.bus})
	assert.Error(t, err)

	_, err = todo.Start(todo.Config{
		Handler: func(ctx context.Context, gctx *grain.Context) *todo.Result { return nil },
	})
	assert.Error(t, err)
}
