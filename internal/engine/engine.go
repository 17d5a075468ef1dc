// Package engine implements the version-chain protocol: deciding whether a
// submitted delta extends a client's chain or conflicts with it, the
// snapshot-urgency policy, and snapshot acceptance. The engine is stateless;
// all state lives behind the storage contract, so one engine instance serves
// any number of concurrent requests without locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prudhvinik1/tasksync/internal/logging"
	"github.com/prudhvinik1/tasksync/internal/models"
	"github.com/prudhvinik1/tasksync/internal/storage"
)

var (
	// ErrNoSuchClient is returned when the client is unknown and the
	// client-creation policy forbids creating it.
	ErrNoSuchClient = errors.New("no such client")

	// ErrNoSuchVersion is returned by GetChildVersion when no child exists
	// yet but an AddVersion with this parent could succeed.
	ErrNoSuchVersion = errors.New("no such version")

	// ErrVersionGone is returned by GetChildVersion when the requested
	// parent is older history; its child may have been pruned.
	ErrVersionGone = errors.New("version gone")

	// ErrNoSuchSnapshot is returned by GetSnapshot when the client has never
	// stored a snapshot.
	ErrNoSuchSnapshot = errors.New("no snapshot")
)

// Config carries the engine's tunables. Snapshot thresholds are targets, not
// protocol constants: urgency turns low at 1x the target and high at 1.5x.
type Config struct {
	// SnapshotVersions is the target number of versions between snapshots.
	SnapshotVersions int64

	// SnapshotDays is the target number of days between snapshots.
	SnapshotDays int64

	// CreateClients makes the engine create unknown clients on first
	// contact. When false, requests for unknown clients fail with
	// ErrNoSuchClient.
	CreateClients bool

	// PruneOnSnapshot deletes a snapshot's version and its ancestors once
	// the snapshot is accepted. Replicas still behind that point receive
	// ErrVersionGone and must restart from the snapshot.
	PruneOnSnapshot bool
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		SnapshotVersions: 100,
		SnapshotDays:     14,
		CreateClients:    true,
	}
}

type Engine struct {
	config Config
	store  storage.Storage
	log    logging.Logger
}

func New(config Config, store storage.Storage, log logging.Logger) *Engine {
	return &Engine{config: config, store: store, log: log}
}

// ChildVersion is a successful GetChildVersion result.
type ChildVersion struct {
	VersionID       uuid.UUID
	ParentVersionID uuid.UUID
	HistorySegment  []byte
}

// AddVersionResult is the outcome of an AddVersion call. Exactly one of the
// success fields (VersionID, Urgency) or the conflict fields is meaningful,
// selected by Conflict.
type AddVersionResult struct {
	VersionID uuid.UUID
	Urgency   SnapshotUrgency

	Conflict                bool
	ExpectedParentVersionID uuid.UUID
}

// GetChildVersion returns the version extending parentVersionID, letting a
// replica that is behind walk forward one link at a time until it reaches
// the head.
func (e *Engine) GetChildVersion(ctx context.Context, clientID, parentVersionID uuid.UUID) (*ChildVersion, error) {
	client, err := e.ensureClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	version, err := e.store.GetVersionByParent(ctx, clientID, parentVersionID)
	if err == nil {
		return &ChildVersion{
			VersionID:       version.VersionID,
			ParentVersionID: version.ParentVersionID,
			HistorySegment:  version.HistorySegment,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up child version: %w", err)
	}

	// No child yet. Report ErrNoSuchVersion if an AddVersion with this
	// parent could succeed (the parent is the head, or the chain is empty);
	// otherwise the requested parent is older history and its child is gone.
	if client.LatestVersionID == parentVersionID || client.LatestVersionID == models.NilVersionID {
		return nil, ErrNoSuchVersion
	}
	return nil, ErrVersionGone
}

// AddVersion appends a delta to the client's chain. The version ID is always
// generated server-side so a client can neither collide with nor spoof
// existing versions. On conflict the result carries the actual head; the
// engine never retries, since re-deriving the correct parent is a
// client-side merge decision.
func (e *Engine) AddVersion(ctx context.Context, clientID, parentVersionID uuid.UUID, historySegment []byte) (AddVersionResult, error) {
	client, err := e.ensureClient(ctx, clientID)
	if err != nil {
		return AddVersionResult{}, err
	}

	versionID := uuid.New()
	e.log.Debug(ctx, "add version",
		"client_id", clientID, "parent_version_id", parentVersionID, "version_id", versionID)

	err = e.store.AddVersion(ctx, clientID, parentVersionID, versionID, historySegment)
	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		e.log.Debug(ctx, "add version rejected: mismatched latest version",
			"client_id", clientID, "latest_version_id", conflict.LatestVersionID)
		return AddVersionResult{
			Conflict:                true,
			ExpectedParentVersionID: conflict.LatestVersionID,
		}, nil
	}
	if err != nil {
		return AddVersionResult{}, fmt.Errorf("failed to add version: %w", err)
	}

	return AddVersionResult{
		VersionID: versionID,
		Urgency:   e.snapshotUrgency(client.Snapshot, time.Now()),
	}, nil
}

// AddSnapshot stores a full-state blob for the given version. Stale uploads
// are discarded, not errors: a replica whose snapshot lost the race simply
// hears "rejected" and a later snapshot will eventually land.
func (e *Engine) AddSnapshot(ctx context.Context, clientID, versionID uuid.UUID, data []byte) (bool, error) {
	client, err := e.ensureClient(ctx, clientID)
	if err != nil {
		return false, err
	}

	if versionID == models.NilVersionID {
		e.log.Warn(ctx, "rejecting snapshot for nil version", "client_id", clientID)
		return false, nil
	}
	if client.Snapshot != nil && client.Snapshot.VersionID == versionID {
		// already have this one
		return true, nil
	}

	err = e.store.AddSnapshot(ctx, clientID, versionID, data)
	if errors.Is(err, storage.ErrSnapshotStale) {
		e.log.Debug(ctx, "rejecting snapshot: version is not the current head",
			"client_id", clientID, "version_id", versionID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store snapshot: %w", err)
	}

	if e.config.PruneOnSnapshot {
		if err := e.store.PruneVersions(ctx, clientID, versionID); err != nil {
			// the snapshot is durable; losing the prune only leaves
			// redundant history behind
			e.log.Warn(ctx, "failed to prune versions after snapshot",
				"client_id", clientID, "version_id", versionID, "error", err)
		}
	}
	return true, nil
}

// GetSnapshot returns the client's most recent snapshot so a new replica can
// skip replaying the whole chain.
func (e *Engine) GetSnapshot(ctx context.Context, clientID uuid.UUID) (uuid.UUID, []byte, error) {
	if _, err := e.ensureClient(ctx, clientID); err != nil {
		return uuid.Nil, nil, err
	}

	versionID, data, err := e.store.GetSnapshot(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, nil, ErrNoSuchSnapshot
	}
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return versionID, data, nil
}

// ensureClient fetches the client, creating it (empty chain, no snapshot)
// when allowed by policy. A creation race is benign: AlreadyExists means
// another request created it, so re-fetch and proceed.
func (e *Engine) ensureClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	client, err := e.store.GetClient(ctx, clientID)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	if !e.config.CreateClients {
		return nil, ErrNoSuchClient
	}
	client, err = e.store.CreateClient(ctx, clientID)
	if errors.Is(err, storage.ErrClientExists) {
		client, err = e.store.GetClient(ctx, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	e.log.Info(ctx, "created client", "client_id", clientID)
	return client, nil
}

// snapshotUrgency rates how badly the client needs a fresh snapshot: high
// when none exists, otherwise the worse of the age- and count-based ratings.
// The count is taken post-increment, for the version just added.
func (e *Engine) snapshotUrgency(snap *models.Snapshot, now time.Time) SnapshotUrgency {
	if snap == nil {
		return UrgencyHigh
	}
	byAge := urgencyForDays(e.config, daysSince(now, snap.Timestamp))
	byCount := urgencyForVersions(e.config, snap.VersionsSince+1)
	return maxUrgency(byAge, byCount)
}
