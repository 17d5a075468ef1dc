package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Storage backend names accepted in STORAGE_BACKEND.
const (
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	// Listen holds one or more host:port addresses to serve on.
	Listen []string

	// StorageBackend selects the storage implementation: sqlite, postgres,
	// or memory.
	StorageBackend string

	// DatabaseURL is the postgres connection string (postgres backend only).
	DatabaseURL string

	// DataDir is the directory holding the sqlite database file (sqlite
	// backend only).
	DataDir string

	// SnapshotVersions and SnapshotDays are the snapshot-urgency targets.
	SnapshotVersions int64
	SnapshotDays     int64

	// CreateClients controls whether unknown client IDs are created on
	// first contact.
	CreateClients bool

	// AllowClientIDs, when non-empty, restricts service to the listed
	// client IDs.
	AllowClientIDs []uuid.UUID

	// PruneOnSnapshot deletes snapshotted history once a snapshot lands.
	PruneOnSnapshot bool
}

func LoadConfig() (*Config, error) {
	snapshotVersions, err := getEnvInt("SNAPSHOT_VERSIONS", 100)
	if err != nil {
		return nil, err
	}
	snapshotDays, err := getEnvInt("SNAPSHOT_DAYS", 14)
	if err != nil {
		return nil, err
	}
	createClients, err := getEnvBool("CREATE_CLIENTS", true)
	if err != nil {
		return nil, err
	}
	pruneOnSnapshot, err := getEnvBool("PRUNE_ON_SNAPSHOT", false)
	if err != nil {
		return nil, err
	}
	allowClientIDs, err := parseClientIDs(os.Getenv("ALLOW_CLIENT_IDS"))
	if err != nil {
		return nil, err
	}

	// setting DATABASE_URL alone implies the postgres backend
	defaultBackend := BackendSqlite
	if os.Getenv("DATABASE_URL") != "" {
		defaultBackend = BackendPostgres
	}

	cfg := &Config{
		Listen:           splitList(getEnv("LISTEN", "0.0.0.0:8080")),
		StorageBackend:   getEnv("STORAGE_BACKEND", defaultBackend),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DataDir:          getEnv("DATA_DIR", "/var/lib/tasksync"),
		SnapshotVersions: snapshotVersions,
		SnapshotDays:     snapshotDays,
		CreateClients:    createClients,
		AllowClientIDs:   allowClientIDs,
		PruneOnSnapshot:  pruneOnSnapshot,
	}

	// Validate backend-specific requirements
	switch cfg.StorageBackend {
	case BackendSqlite:
		if cfg.DataDir == "" {
			return nil, errors.New("DATA_DIR is required for the sqlite backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	if len(cfg.Listen) == 0 {
		return nil, errors.New("LISTEN must name at least one address")
	}
	if cfg.SnapshotVersions <= 0 {
		return nil, errors.New("SNAPSHOT_VERSIONS must be positive")
	}
	if cfg.SnapshotDays <= 0 {
		return nil, errors.New("SNAPSHOT_DAYS must be positive")
	}

	return cfg, nil
}

// ClientIDAllowed reports whether the allowlist admits the given client ID.
// An empty allowlist admits everyone.
func (c *Config) ClientIDAllowed(clientID uuid.UUID) bool {
	if len(c.AllowClientIDs) == 0 {
		return true
	}
	for _, id := range c.AllowClientIDs {
		if id == clientID {
			return true
		}
	}
	return false
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", key, value)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q is not a boolean", key, value)
	}
	return b, nil
}

func parseClientIDs(value string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, part := range splitList(value) {
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOW_CLIENT_IDS entry %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
