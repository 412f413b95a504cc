package kv_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/grain/pkg/kv"
)

func runStoreContract(t *testing.T, store kv.Store) {
	t.Helper()

	t.Run("AbsentKeyIsNilNil", func(t *testing.T) {
		v, err := store.Get([]byte("missing"))
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("k"), []byte("v1")))
		v, err := store.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)
	})

	t.Run("PutReplaces", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("k"), []byte("v2")))
		v, err := store.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
	})

	t.Run("ReturnedValueIsACopy", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("copy"), []byte("abc")))
		v, err := store.Get([]byte("copy"))
		require.NoError(t, err)
		v[0] = 'z'
		again, err := store.Get([]byte("copy"))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("gone"), []byte("x")))
		require.NoError(t, store.Delete([]byte("gone")))
		v, err := store.Get([]byte("gone"))
		require.NoError(t, err)
		assert.Nil(t, v)

		require.NoError(t, store.Delete([]byte("never-existed")))
	})
}

func TestMemoryStore(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()
	runStoreContract(t, store)
}

func TestBoltStore(t *testing.T) {
	store, err := kv.OpenBolt(kv.BoltConfig{StorageDir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()
	runStoreContract(t, store)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := kv.OpenBolt(kv.BoltConfig{StorageDir: dir, DBName: "snaps.db"})
	require.NoError(t, err)
	require.NoError(t, store.Put([]byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	reopened, err := kv.OpenBolt(kv.BoltConfig{StorageDir: dir, DBName: "snaps.db"})
	require.NoError(t, err)
	defer reopened.Close()
	v, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
