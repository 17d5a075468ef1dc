// Package storage defines the transactional contract every persistence
// backend must satisfy. Each method executes as one atomic transaction.
// Check-then-write operations (AddVersion, AddSnapshot) must be isolated
// against concurrent calls for the same client ID; no isolation is required
// across different clients, so backends may parallelize freely there.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prudhvinik1/tasksync/internal/models"
)

var (
	// ErrNotFound is returned when a client, version, or snapshot lookup misses.
	ErrNotFound = errors.New("not found")

	// ErrClientExists is returned by CreateClient when the client ID is taken.
	ErrClientExists = errors.New("client already exists")

	// ErrVersionConflict is matched (via errors.Is) by the ConflictError
	// returned when AddVersion loses the head check.
	ErrVersionConflict = errors.New("version conflict: parent is not the latest version")

	// ErrSnapshotStale is returned by AddSnapshot when the named version is
	// no longer the client's head.
	ErrSnapshotStale = errors.New("snapshot version is not the latest version")
)

// ConflictError reports a failed AddVersion head check, carrying the
// client's actual head so the caller can re-sync from it.
type ConflictError struct {
	LatestVersionID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected parent %s", e.LatestVersionID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Storage is the contract between the protocol engine and a persistence
// backend. A Storage instance is a process-wide shared resource, created
// once at startup and safe for concurrent use.
type Storage interface {
	// GetClient returns the client's metadata, or ErrNotFound.
	GetClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error)

	// CreateClient inserts a new client with a nil head and no snapshot.
	// Returns ErrClientExists if the client already exists.
	CreateClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error)

	// GetVersion returns the version with the given ID, or ErrNotFound.
	GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (*models.Version, error)

	// GetVersionByParent returns the single version extending the given
	// parent, or ErrNotFound. Used to walk the chain forward.
	GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (*models.Version, error)

	// AddVersion atomically appends a version to the client's chain. In one
	// transaction: if the client's head equals parentVersionID (or the chain
	// is empty), the version row is inserted, the head is advanced to
	// versionID, and versions_since_snapshot is incremented. Otherwise
	// nothing is written and a *ConflictError carrying the actual head is
	// returned. Returns ErrNotFound for an unknown client.
	AddVersion(ctx context.Context, clientID, parentVersionID, versionID uuid.UUID, historySegment []byte) error

	// AddSnapshot stores the snapshot blob if versionID is the client's head
	// at the time of the write, resetting versions_since_snapshot. Returns
	// ErrSnapshotStale (with no effect) otherwise.
	AddSnapshot(ctx context.Context, clientID, versionID uuid.UUID, data []byte) error

	// GetSnapshot returns the version ID and blob of the client's most
	// recent snapshot, or ErrNotFound if none has been stored.
	GetSnapshot(ctx context.Context, clientID uuid.UUID) (uuid.UUID, []byte, error)

	// PruneVersions deletes the given version and its ancestors. The walk
	// stops at the nil version or an already-missing row. Used by the
	// optional post-snapshot retention policy.
	PruneVersions(ctx context.Context, clientID, upToVersionID uuid.UUID) error

	// Close releases the backend's resources.
	Close() error
}
