package nats_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/grain/pkg/grain"
	pubsubnats "github.com/plaenen/grain/pkg/pubsub/nats"
)

func newBus(t *testing.T) *pubsubnats.Bus {
	t.Helper()
	server, err := pubsubnats.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(server.Shutdown)

	cfg := pubsubnats.DefaultConfig()
	cfg.URL = server.URL()
	bus, err := pubsubnats.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := newBus(t)

	sub, err := bus.Subscribe("example/counter-created")
	require.NoError(t, err)

	event := &grain.Event{
		ID:        "evt-1",
		Type:      "example/counter-created",
		Timestamp: time.Now().UTC(),
		Body:      map[string]any{"name": "n"},
		Tags:      []grain.Tag{{Kind: "counter", Value: "c-1"}},
	}
	require.NoError(t, bus.Publish(context.Background(), event))

	select {
	case got := <-sub.Events():
		assert.Equal(t, "evt-1", got.ID)
		assert.Equal(t, "example/counter-created", got.Type)
		assert.Equal(t, "n", got.Body["name"])
		assert.Equal(t, event.Tags, got.Tags)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := newBus(t)

	matching, err := bus.Subscribe("t/a")
	require.NoError(t, err)
	other, err := bus.Subscribe("t/b")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), &grain.Event{ID: "1", Type: "t/a"}))

	select {
	case got := <-matching.Events():
		assert.Equal(t, "1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("matching subscription starved")
	}

	select {
	case e := <-other.Events():
		t.Fatalf("wrong-topic delivery: %s", e.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := newBus(t)

	sub, err := bus.Subscribe("t/a")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
