// Package sqlite implements the storage contract on an embedded SQLite
// database (ncruces/go-sqlite3, WASM build, no cgo). Intended for small
// single-process deployments; the schema is an implementation detail.
//
// Isolation: the database is opened with _txlock=immediate, so every
// transaction takes the write lock at BEGIN. Check-then-write operations are
// therefore fully serialized, which more than satisfies the per-client
// serialization the contract requires.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	"github.com/prudhvinik1/tasksync/internal/database"
	"github.com/prudhvinik1/tasksync/internal/models"
	"github.com/prudhvinik1/tasksync/internal/storage"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "tasksync.sqlite3"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		latest_version_id TEXT NOT NULL,
		snapshot_version_id TEXT,
		versions_since_snapshot INTEGER NOT NULL DEFAULT 0,
		snapshot_timestamp INTEGER,
		snapshot BLOB)`,
	`CREATE TABLE IF NOT EXISTS versions (
		version_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients (client_id) ON DELETE CASCADE,
		parent_version_id TEXT NOT NULL,
		history_segment BLOB NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS versions_by_parent ON versions (client_id, parent_version_id)`,
}

type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// Open creates a Store backed by a database file in the given directory,
// creating the directory, file, and schema as needed.
func Open(dataDir string) (*Store, error) {
	db, err := database.NewSqliteDB(filepath.Join(dataDir, DBFileName))
	if err != nil {
		return nil, err
	}
	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error creating sqlite schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) GetClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT latest_version_id, snapshot_version_id, versions_since_snapshot, snapshot_timestamp
		 FROM clients WHERE client_id = ?`, clientID)
	return scanClient(row, clientID)
}

func (s *Store) CreateClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (client_id, latest_version_id) VALUES (?, ?)`,
		clientID, models.NilVersionID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrClientExists
		}
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &models.Client{ID: clientID, LatestVersionID: models.NilVersionID}, nil
}

func (s *Store) GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (*models.Version, error) {
	return s.getVersion(ctx,
		`SELECT version_id, parent_version_id, history_segment
		 FROM versions WHERE client_id = ? AND version_id = ?`, clientID, versionID)
}

func (s *Store) GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (*models.Version, error) {
	return s.getVersion(ctx,
		`SELECT version_id, parent_version_id, history_segment
		 FROM versions WHERE client_id = ? AND parent_version_id = ?`, clientID, parentVersionID)
}

func (s *Store) getVersion(ctx context.Context, query string, clientID, id uuid.UUID) (*models.Version, error) {
	var version models.Version
	version.ClientID = clientID
	err := s.db.QueryRowContext(ctx, query, clientID, id).
		Scan(&version.VersionID, &version.ParentVersionID, &version.HistorySegment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return &version, nil
}

func (s *Store) AddVersion(ctx context.Context, clientID, parentVersionID, versionID uuid.UUID, historySegment []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// read-check-write under the write lock: the version row and the head
	// update commit together or not at all
	var latest uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT latest_version_id FROM clients WHERE client_id = ?`, clientID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get client head: %w", err)
	}
	if latest != models.NilVersionID && latest != parentVersionID {
		return &storage.ConflictError{LatestVersionID: latest}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (version_id, client_id, parent_version_id, history_segment)
		 VALUES (?, ?, ?, ?)`,
		versionID, clientID, parentVersionID, historySegment); err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE clients
		 SET latest_version_id = ?, versions_since_snapshot = versions_since_snapshot + 1
		 WHERE client_id = ?`,
		versionID, clientID); err != nil {
		return fmt.Errorf("failed to update client head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit version: %w", err)
	}
	return nil
}

func (s *Store) AddSnapshot(ctx context.Context, clientID, versionID uuid.UUID, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var latest uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT latest_version_id FROM clients WHERE client_id = ?`, clientID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get client head: %w", err)
	}
	if latest != versionID {
		return storage.ErrSnapshotStale
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE clients
		 SET snapshot_version_id = ?, snapshot_timestamp = ?, versions_since_snapshot = 0, snapshot = ?
		 WHERE client_id = ?`,
		versionID, time.Now().UTC().Unix(), data, clientID); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, clientID uuid.UUID) (uuid.UUID, []byte, error) {
	var versionID sql.NullString
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_version_id, snapshot FROM clients WHERE client_id = ?`, clientID).
		Scan(&versionID, &data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !versionID.Valid) {
		return uuid.Nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	id, err := uuid.Parse(versionID.String)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("invalid snapshot version id: %w", err)
	}
	return id, data, nil
}

func (s *Store) PruneVersions(ctx context.Context, clientID, upToVersionID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur := upToVersionID
	for cur != models.NilVersionID {
		var parent uuid.UUID
		err := tx.QueryRowContext(ctx,
			`SELECT parent_version_id FROM versions WHERE client_id = ? AND version_id = ?`,
			clientID, cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to walk version chain: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM versions WHERE client_id = ? AND version_id = ?`, clientID, cur); err != nil {
			return fmt.Errorf("failed to delete version: %w", err)
		}
		cur = parent
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prune: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scanClient(row *sql.Row, clientID uuid.UUID) (*models.Client, error) {
	var latest uuid.UUID
	var snapVersion sql.NullString
	var versionsSince int64
	var snapTimestamp sql.NullInt64
	err := row.Scan(&latest, &snapVersion, &versionsSince, &snapTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client := &models.Client{ID: clientID, LatestVersionID: latest}
	if snapVersion.Valid && snapTimestamp.Valid {
		id, err := uuid.Parse(snapVersion.String)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot version id: %w", err)
		}
		client.Snapshot = &models.Snapshot{
			VersionID:     id,
			Timestamp:     time.Unix(snapTimestamp.Int64, 0).UTC(),
			VersionsSince: versionsSince,
		}
	}
	return client, nil
}

// isUniqueViolation reports whether the error is a SQLite primary-key or
// unique-constraint failure.
func isUniqueViolation(err error) bool {
	var serr *sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.ExtendedCode() {
	case sqlite3.CONSTRAINT_PRIMARYKEY, sqlite3.CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
