// Package postgres implements the storage contract on a Postgres database
// via a pgx connection pool. This is the backend for multi-process
// deployments: several server instances may share one database, so the
// per-client serialization lives entirely in row locks, never in process
// memory.
//
// Check-then-write operations lock the client row with SELECT ... FOR
// UPDATE, which serializes writers for one client while leaving other
// clients fully concurrent.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/prudhvinik1/tasksync/internal/models"
	"github.com/prudhvinik1/tasksync/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the Postgres SQLSTATE for duplicate-key errors.
const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Storage = (*Store)(nil)

// New creates a Store on the given pool and applies pending migrations.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := runMigrations(ctx, pool); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return &Store{pool: pool}, nil
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return goose.UpContext(ctx, db, "migrations")
}

func (s *Store) GetClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT latest_version_id, snapshot_version_id, versions_since_snapshot, snapshot_timestamp
		 FROM clients WHERE client_id = $1`, clientID)
	return scanClient(row, clientID)
}

func (s *Store) CreateClient(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clients (client_id, latest_version_id) VALUES ($1, $2)`,
		clientID, models.NilVersionID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, storage.ErrClientExists
		}
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &models.Client{ID: clientID, LatestVersionID: models.NilVersionID}, nil
}

func (s *Store) GetVersion(ctx context.Context, clientID, versionID uuid.UUID) (*models.Version, error) {
	return s.getVersion(ctx,
		`SELECT version_id, parent_version_id, history_segment
		 FROM versions WHERE client_id = $1 AND version_id = $2`, clientID, versionID)
}

func (s *Store) GetVersionByParent(ctx context.Context, clientID, parentVersionID uuid.UUID) (*models.Version, error) {
	return s.getVersion(ctx,
		`SELECT version_id, parent_version_id, history_segment
		 FROM versions WHERE client_id = $1 AND parent_version_id = $2`, clientID, parentVersionID)
}

func (s *Store) getVersion(ctx context.Context, query string, clientID, id uuid.UUID) (*models.Version, error) {
	var version models.Version
	version.ClientID = clientID
	err := s.pool.QueryRow(ctx, query, clientID, id).
		Scan(&version.VersionID, &version.ParentVersionID, &version.HistorySegment)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return &version, nil
}

func (s *Store) AddVersion(ctx context.Context, clientID, parentVersionID, versionID uuid.UUID, historySegment []byte) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// FOR UPDATE serializes concurrent appends for this client; the
		// check and both writes commit atomically or not at all
		var latest uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT latest_version_id FROM clients WHERE client_id = $1 FOR UPDATE`,
			clientID).Scan(&latest)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get client head: %w", err)
		}
		if latest != models.NilVersionID && latest != parentVersionID {
			return &storage.ConflictError{LatestVersionID: latest}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO versions (version_id, client_id, parent_version_id, history_segment)
			 VALUES ($1, $2, $3, $4)`,
			versionID, clientID, parentVersionID, historySegment); err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE clients
			 SET latest_version_id = $1, versions_since_snapshot = versions_since_snapshot + 1
			 WHERE client_id = $2`,
			versionID, clientID); err != nil {
			return fmt.Errorf("failed to update client head: %w", err)
		}
		return nil
	})
}

func (s *Store) AddSnapshot(ctx context.Context, clientID, versionID uuid.UUID, data []byte) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var latest uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT latest_version_id FROM clients WHERE client_id = $1 FOR UPDATE`,
			clientID).Scan(&latest)
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get client head: %w", err)
		}
		if latest != versionID {
			return storage.ErrSnapshotStale
		}

		if _, err := tx.Exec(ctx,
			`UPDATE clients
			 SET snapshot_version_id = $1, snapshot_timestamp = $2, versions_since_snapshot = 0, snapshot = $3
			 WHERE client_id = $4`,
			versionID, time.Now().UTC(), data, clientID); err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
		return nil
	})
}

func (s *Store) GetSnapshot(ctx context.Context, clientID uuid.UUID) (uuid.UUID, []byte, error) {
	var versionID *uuid.UUID
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot_version_id, snapshot FROM clients WHERE client_id = $1`, clientID).
		Scan(&versionID, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if versionID == nil {
		return uuid.Nil, nil, storage.ErrNotFound
	}
	return *versionID, data, nil
}

func (s *Store) PruneVersions(ctx context.Context, clientID, upToVersionID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		cur := upToVersionID
		for cur != models.NilVersionID {
			var parent uuid.UUID
			err := tx.QueryRow(ctx,
				`SELECT parent_version_id FROM versions WHERE client_id = $1 AND version_id = $2`,
				clientID, cur).Scan(&parent)
			if errors.Is(err, pgx.ErrNoRows) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to walk version chain: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`DELETE FROM versions WHERE client_id = $1 AND version_id = $2`,
				clientID, cur); err != nil {
				return fmt.Errorf("failed to delete version: %w", err)
			}
			cur = parent
		}
		return nil
	})
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction, committing on nil and rolling back on any
// error so no partial state is ever observable.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanClient(row pgx.Row, clientID uuid.UUID) (*models.Client, error) {
	var latest uuid.UUID
	var snapVersion *uuid.UUID
	var versionsSince int64
	var snapTimestamp *time.Time
	err := row.Scan(&latest, &snapVersion, &versionsSince, &snapTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client := &models.Client{ID: clientID, LatestVersionID: latest}
	if snapVersion != nil && snapTimestamp != nil {
		client.Snapshot = &models.Snapshot{
			VersionID:     *snapVersion,
			Timestamp:     snapTimestamp.UTC(),
			VersionsSince: versionsSince,
		}
	}
	return client, nil
}
