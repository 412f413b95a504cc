package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/grain/pkg/grain"
	"github.com/plaenen/grain/pkg/pubsub"
	"github.com/plaenen/grain/pkg/store"
)

func TestOpenMemoryIsDefault(t *testing.T) {
	s, err := store.Open(store.Config{})
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.Append(context.Background(), []*grain.Event{{Type: "t/a"}})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestOpenSQLite(t *testing.T) {
	s, err := store.Open(store.Config{
		Conn: store.ConnConfig{Type: store.TypeSQLite, DSN: ":memory:"},
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(context.Background(), []*grain.Event{{Type: "t/a"}})
	require.NoError(t, err)

	events, err := s.Read(context.Background(), grain.ReadQuery{Types: []string{"t/a"}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOpenUnknownType(t *testing.T) {
	_, err := store.Open(store.Config{Conn: store.ConnConfig{Type: "dynamo"}})
	require.Error(t, err)
}

func TestOwnedBusClosesWithStore(t *testing.T) {
	// No bus injected: the store creates and owns one, and Close closes
	// both without error. The owned bus is not reachable from here, so its
	// subscriptions are not observed.
	s, err := store.Open(store.Config{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestInjectedBusSurvivesStoreClose(t *testing.T) {
	bus := pubsub.New(pubsub.Config{})
	defer bus.Close()

	s, err := store.Open(store.Config{PubSub: bus})
	require.NoError(t, err)

	sub, err := bus.Subscribe("t/a")
	require.NoError(t, err)

	require.NoError(t, s.Close())

	// The injected bus is still usable after the store is gone.
	require.NoError(t, bus.Publish(context.Background(), &grain.Event{ID: "1", Type: "t/a"}))
	assert.Equal(t, "1", (<-sub.Events()).ID)
}
