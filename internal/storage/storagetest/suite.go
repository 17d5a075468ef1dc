// Package storagetest holds the conformance suite that every storage backend
// must pass. Backends run the same properties rather than duplicating tests:
// chain linearity, optimistic concurrency, absence of partial effects, and
// snapshot staleness rules.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prudhvinik1/tasksync/internal/models"
	"github.com/prudhvinik1/tasksync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty storage backend for one subtest.
type Factory func(t *testing.T) storage.Storage

// TestStorage runs the conformance suite against the given backend.
func TestStorage(t *testing.T, newStore Factory) {
	t.Run("ClientLifecycle", func(t *testing.T) { testClientLifecycle(t, newStore) })
	t.Run("AddVersionRoundTrip", func(t *testing.T) { testAddVersionRoundTrip(t, newStore) })
	t.Run("AddVersionEmptyChainAnyParent", func(t *testing.T) { testEmptyChainAnyParent(t, newStore) })
	t.Run("AddVersionConflictNoPartialEffect", func(t *testing.T) { testConflictNoPartialEffect(t, newStore) })
	t.Run("AddVersionAbortNoPartialEffect", func(t *testing.T) { testAbortNoPartialEffect(t, newStore) })
	t.Run("Linearity", func(t *testing.T) { testLinearity(t, newStore) })
	t.Run("OptimisticConcurrency", func(t *testing.T) { testOptimisticConcurrency(t, newStore) })
	t.Run("SnapshotAtHead", func(t *testing.T) { testSnapshotAtHead(t, newStore) })
	t.Run("SnapshotStaleRejected", func(t *testing.T) { testSnapshotStaleRejected(t, newStore) })
	t.Run("PruneVersions", func(t *testing.T) { testPruneVersions(t, newStore) })
}

func testClientLifecycle(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()

	_, err := store.GetClient(ctx, clientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	client, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, clientID, client.ID)
	assert.Equal(t, models.NilVersionID, client.LatestVersionID)
	assert.Nil(t, client.Snapshot)

	_, err = store.CreateClient(ctx, clientID)
	assert.ErrorIs(t, err, storage.ErrClientExists)

	client, err = store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, models.NilVersionID, client.LatestVersionID)
}

func testAddVersionRoundTrip(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	versionID := uuid.New()
	segment := []byte("seg1")
	err = store.AddVersion(ctx, clientID, models.NilVersionID, versionID, segment)
	require.NoError(t, err)

	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, versionID, client.LatestVersionID)

	version, err := store.GetVersionByParent(ctx, clientID, models.NilVersionID)
	require.NoError(t, err)
	assert.Equal(t, versionID, version.VersionID)
	assert.Equal(t, models.NilVersionID, version.ParentVersionID)
	assert.Equal(t, segment, version.HistorySegment)

	version, err = store.GetVersion(ctx, clientID, versionID)
	require.NoError(t, err)
	assert.Equal(t, segment, version.HistorySegment)

	// a version for an unknown client is not visible
	_, err = store.GetVersion(ctx, uuid.New(), versionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testEmptyChainAnyParent(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	// a client with no versions accepts any declared parent, so a replica
	// can move in history it built against another server
	parentVersionID := uuid.New()
	versionID := uuid.New()
	err = store.AddVersion(ctx, clientID, parentVersionID, versionID, []byte("v1"))
	require.NoError(t, err)

	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, versionID, client.LatestVersionID)
}

func testConflictNoPartialEffect(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	v1 := uuid.New()
	require.NoError(t, store.AddVersion(ctx, clientID, models.NilVersionID, v1, []byte("seg1")))

	// stale parent: declared parent is nil but the head is already v1
	v2 := uuid.New()
	err = store.AddVersion(ctx, clientID, models.NilVersionID, v2, []byte("seg2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	var conflict *storage.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, v1, conflict.LatestVersionID)

	// neither the version row nor the head update is visible
	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, v1, client.LatestVersionID)
	_, err = store.GetVersion(ctx, clientID, v2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetVersionByParent(ctx, clientID, v1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// retrying with the actual head as parent succeeds
	require.NoError(t, store.AddVersion(ctx, clientID, v1, v2, []byte("seg2")))
	client, err = store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, v2, client.LatestVersionID)
}

func testAbortNoPartialEffect(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	v1 := uuid.New()
	require.NoError(t, store.AddVersion(ctx, clientID, models.NilVersionID, v1, []byte("seg1")))

	// a cancelled context aborts the transaction; the failure must leave no
	// trace even though the head check would have passed
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	v2 := uuid.New()
	err = store.AddVersion(cancelled, clientID, v1, v2, []byte("seg2"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrVersionConflict)

	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, v1, client.LatestVersionID)
	_, err = store.GetVersion(ctx, clientID, v2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetVersionByParent(ctx, clientID, v1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// the identical append succeeds on a live context
	require.NoError(t, store.AddVersion(ctx, clientID, v1, v2, []byte("seg2")))
	client, err = store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, v2, client.LatestVersionID)
}

func testLinearity(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	const chainLen = 10
	parent := models.NilVersionID
	var want []uuid.UUID
	for i := 0; i < chainLen; i++ {
		versionID := uuid.New()
		require.NoError(t, store.AddVersion(ctx, clientID, parent, versionID, []byte{byte(i)}))
		want = append(want, versionID)
		parent = versionID
	}

	// walking forward from the empty parent reaches the head in exactly
	// chainLen steps
	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)

	cur := models.NilVersionID
	var got []uuid.UUID
	for {
		version, err := store.GetVersionByParent(ctx, clientID, cur)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		require.NoError(t, err)
		got = append(got, version.VersionID)
		cur = version.VersionID
	}
	assert.Equal(t, want, got)
	assert.Equal(t, client.LatestVersionID, got[len(got)-1])
}

func testOptimisticConcurrency(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	base := uuid.New()
	require.NoError(t, store.AddVersion(ctx, clientID, models.NilVersionID, base, []byte("base")))

	// N concurrent appends from the same head: exactly one commits, the
	// rest see a conflict naming the winner
	const writers = 8
	results := make([]error, writers)
	attempts := make([]uuid.UUID, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempts[i] = uuid.New()
			results[i] = store.AddVersion(ctx, clientID, base, attempts[i], []byte("contended"))
		}(i)
	}
	wg.Wait()

	var winner uuid.UUID
	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			winner = attempts[i]
		}
	}
	require.Equal(t, 1, wins, "exactly one concurrent AddVersion must succeed")

	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, winner, client.LatestVersionID)

	for _, err := range results {
		if err == nil {
			continue
		}
		var conflict *storage.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, winner, conflict.LatestVersionID)
	}
}

func testSnapshotAtHead(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	_, _, err = store.GetSnapshot(ctx, clientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	v1 := uuid.New()
	require.NoError(t, store.AddVersion(ctx, clientID, models.NilVersionID, v1, []byte("seg1")))

	blob := []byte("snapshot-blob")
	require.NoError(t, store.AddSnapshot(ctx, clientID, v1, blob))

	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, client.Snapshot)
	assert.Equal(t, v1, client.Snapshot.VersionID)
	assert.EqualValues(t, 0, client.Snapshot.VersionsSince)
	assert.False(t, client.Snapshot.Timestamp.IsZero())

	versionID, data, err := store.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, v1, versionID)
	assert.Equal(t, blob, data)

	// adding versions bumps the count since the snapshot
	v2 := uuid.New()
	require.NoError(t, store.AddVersion(ctx, clientID, v1, v2, []byte("seg2")))
	client, err = store.GetClient(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, client.Snapshot)
	assert.EqualValues(t, 1, client.Snapshot.VersionsSince)
}

func testSnapshotStaleRejected(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	v1 := uuid.New()
	v2 := uuid.New()
	require.NoError(t, store.AddVersion(ctx, clientID, models.NilVersionID, v1, []byte("seg1")))
	require.NoError(t, store.AddVersion(ctx, clientID, v1, v2, []byte("seg2")))
	require.NoError(t, store.AddSnapshot(ctx, clientID, v2, []byte("current")))

	// a snapshot for anything but the head never mutates snapshot state
	err = store.AddSnapshot(ctx, clientID, v1, []byte("stale"))
	assert.ErrorIs(t, err, storage.ErrSnapshotStale)
	err = store.AddSnapshot(ctx, clientID, uuid.New(), []byte("unknown"))
	assert.ErrorIs(t, err, storage.ErrSnapshotStale)

	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, client.Snapshot)
	assert.Equal(t, v2, client.Snapshot.VersionID)

	versionID, data, err := store.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, v2, versionID)
	assert.Equal(t, []byte("current"), data)
}

func testPruneVersions(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()
	clientID := uuid.New()
	_, err := store.CreateClient(ctx, clientID)
	require.NoError(t, err)

	var versions []uuid.UUID
	parent := models.NilVersionID
	for i := 0; i < 4; i++ {
		versionID := uuid.New()
		require.NoError(t, store.AddVersion(ctx, clientID, parent, versionID, []byte{byte(i)}))
		versions = append(versions, versionID)
		parent = versionID
	}

	// prune versions[1] and its ancestors; versions[2] and later remain
	require.NoError(t, store.PruneVersions(ctx, clientID, versions[1]))

	_, err = store.GetVersion(ctx, clientID, versions[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetVersion(ctx, clientID, versions[1])
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetVersionByParent(ctx, clientID, models.NilVersionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	version, err := store.GetVersion(ctx, clientID, versions[2])
	require.NoError(t, err)
	assert.Equal(t, versions[1], version.ParentVersionID)
	version, err = store.GetVersionByParent(ctx, clientID, versions[2])
	require.NoError(t, err)
	assert.Equal(t, versions[3], version.VersionID)

	// the head is untouched
	client, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, versions[3], client.LatestVersionID)
}
