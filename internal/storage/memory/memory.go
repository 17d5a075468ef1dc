// Package memory implements the storage contract with in-process maps. It
// backs the engine and transport tests, and is usable for throwaway
// single-process deployments; nothing survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/tasksync/internal/models"
	"github.com/prudhvinik1/tasksync/internal/storage"
)

type clientRecord struct {
	latestVersionID uuid.UUID
	snapshot        *models.Snapshot
	snapshotData    []byte
}

// Store is an in-memory storage backend. A single mutex stands in for the
// per-client transaction isolation that the SQL backends get from their
// databases.
type Store struct {
	mu       sync.Mutex
	clients  map[uuid.UUID]*clientRecord
	versions map[uuid.UUID]map[uuid.UUID]*models.Version // client -> version ID -> version
	byParent map[uuid.UUID]map[uuid.UUID]uuid.UUID       // client -> parent ID -> version ID
}

var _ storage.Storage = (*Store)(nil)

func New() *Store {
	return &Store{
		clients:  make(map[uuid.UUID]*clientRecord),
		versions: make(map[uuid.UUID]map[uuid.UUID]*models.Version),
		byParent: make(map[uuid.UUID]map[uuid.UUID]uuid.UUID),
	}
}

func (s *Store) GetClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.toModel(clientID), nil
}

func (s *Store) CreateClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; ok {
		return nil, storage.ErrClientExists
	}
	rec := &clientRecord{latestVersionID: models.NilVersionID}
	s.clients[clientID] = rec
	s.versions[clientID] = make(map[uuid.UUID]*models.Version)
	s.byParent[clientID] = make(map[uuid.UUID]uuid.UUID)
	return rec.toModel(clientID), nil
}

func (s *Store) GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (*models.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[clientID][versionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyVersion(v), nil
}

func (s *Store) GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (*models.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versionID, ok := s.byParent[clientID][parentVersionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyVersion(s.versions[clientID][versionID]), nil
}

func (s *Store) AddVersion(ctx context.Context, clientID, parentVersionID, versionID uuid.UUID, historySegment []byte) error {
	// honor cancellation like a real transaction abort: no effect at all
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.clients[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.latestVersionID != models.NilVersionID && rec.latestVersionID != parentVersionID {
		return &storage.ConflictError{LatestVersionID: rec.latestVersionID}
	}

	seg := make([]byte, len(historySegment))
	copy(seg, historySegment)
	s.versions[clientID][versionID] = &models.Version{
		ClientID:        clientID,
		VersionID:       versionID,
		ParentVersionID: parentVersionID,
		HistorySegment:  seg,
	}
	s.byParent[clientID][parentVersionID] = versionID
	rec.latestVersionID = versionID
	if rec.snapshot != nil {
		rec.snapshot.VersionsSince++
	}
	return nil
}

func (s *Store) AddSnapshot(ctx context.Context, clientID, versionID uuid.UUID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.clients[clientID]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.latestVersionID != versionID {
		return storage.ErrSnapshotStale
	}

	blob := make([]byte, len(data))
	copy(blob, data)
	rec.snapshot = &models.Snapshot{
		VersionID:     versionID,
		Timestamp:     time.Now().UTC(),
		VersionsSince: 0,
	}
	rec.snapshotData = blob
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, clientID uuid.UUID) (uuid.UUID, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.clients[clientID]
	if !ok || rec.snapshot == nil {
		return uuid.Nil, nil, storage.ErrNotFound
	}
	data := make([]byte, len(rec.snapshotData))
	copy(data, rec.snapshotData)
	return rec.snapshot.VersionID, data, nil
}

func (s *Store) PruneVersions(ctx context.Context, clientID, upToVersionID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrNotFound
	}
	cur := upToVersionID
	for cur != models.NilVersionID {
		v, ok := s.versions[clientID][cur]
		if !ok {
			break
		}
		delete(s.versions[clientID], cur)
		delete(s.byParent[clientID], v.ParentVersionID)
		cur = v.ParentVersionID
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (rec *clientRecord) toModel(clientID uuid.UUID) *models.Client {
	c := &models.Client{
		ID:              clientID,
		LatestVersionID: rec.latestVersionID,
	}
	if rec.snapshot != nil {
		snap := *rec.snapshot
		c.Snapshot = &snap
	}
	return c
}

func copyVersion(v *models.Version) *models.Version {
	out := *v
	out.HistorySegment = make([]byte, len(v.HistorySegment))
	copy(out.HistorySegment, v.HistorySegment)
	return &out
}
