package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/tasksync/internal/storage"
	"github.com/prudhvinik1/tasksync/internal/storage/storagetest"
)

// getTestStore connects to the database named by TEST_DATABASE_URL, skipping
// the test when it is unset so the suite can run without a live Postgres.
func getTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(pool.Close)

	store, err := New(ctx, pool)
	require.NoError(t, err)

	// each conformance subtest works on its own random client IDs, but start
	// from a clean slate anyway
	_, err = pool.Exec(ctx, `TRUNCATE clients CASCADE`)
	require.NoError(t, err)

	return store
}

func TestConformance(t *testing.T) {
	storagetest.TestStorage(t, func(t *testing.T) storage.Storage {
		return getTestStore(t)
	})
}
