package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/tasksync/internal/storage"
	"github.com/prudhvinik1/tasksync/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.TestStorage(t, func(t *testing.T) storage.Storage {
		store, err := Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpenCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	clientID := newClient(t, store)
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	client, err := store.GetClient(context.Background(), clientID)
	require.NoError(t, err)
	require.Equal(t, clientID, client.ID)
}

func newClient(t *testing.T, store *Store) uuid.UUID {
	t.Helper()
	clientID := uuid.New()
	_, err := store.CreateClient(context.Background(), clientID)
	require.NoError(t, err)
	return clientID
}
