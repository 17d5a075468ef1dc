package config

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"0.0.0.0:8080"}, cfg.Listen)
	assert.Equal(t, BackendSqlite, cfg.StorageBackend)
	assert.Equal(t, "/var/lib/tasksync", cfg.DataDir)
	assert.EqualValues(t, 100, cfg.SnapshotVersions)
	assert.EqualValues(t, 14, cfg.SnapshotDays)
	assert.True(t, cfg.CreateClients)
	assert.False(t, cfg.PruneOnSnapshot)
	assert.Empty(t, cfg.AllowClientIDs)
}

func TestLoadConfigPostgresRequiresURL(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", BackendPostgres)
	t.Setenv("DATABASE_URL", "")

	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/tasksync")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
}

func TestLoadConfigBackendDefaultFollowsDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tasksync")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)

	// an explicit backend still wins over the implied one
	t.Setenv("STORAGE_BACKEND", BackendSqlite)
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, BackendSqlite, cfg.StorageBackend)
}

func TestLoadConfigUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "cassandra")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigMultipleListenAddresses(t *testing.T) {
	t.Setenv("LISTEN", "127.0.0.1:8080, 127.0.0.1:9090")
	t.Setenv("STORAGE_BACKEND", BackendMemory)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8080", "127.0.0.1:9090"}, cfg.Listen)
}

func TestLoadConfigBadNumbers(t *testing.T) {
	t.Setenv("SNAPSHOT_VERSIONS", "lots")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("SNAPSHOT_VERSIONS", "0")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigAllowlist(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	t.Setenv("ALLOW_CLIENT_IDS", a.String()+","+b.String())
	t.Setenv("STORAGE_BACKEND", BackendMemory)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.AllowClientIDs, 2)
	assert.True(t, cfg.ClientIDAllowed(a))
	assert.True(t, cfg.ClientIDAllowed(b))
	assert.False(t, cfg.ClientIDAllowed(uuid.New()))

	t.Setenv("ALLOW_CLIENT_IDS", "not-a-uuid")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestClientIDAllowedEmptyAllowsAll(t *testing.T) {
	cfg := &Config{}
	assert.True(t, cfg.ClientIDAllowed(uuid.New()))
}
