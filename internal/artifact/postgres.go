package artifact

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractal-lba/profitcast/internal/api"
)

// PostgresStore keeps bundles in Postgres. A bundle row and the slot
// pointer are written in one transaction.
//
// Schema (created by EnsureSchema):
//
//	CREATE TABLE model_artifacts (
//	  slot       TEXT NOT NULL,
//	  version    TEXT NOT NULL,
//	  model      BYTEA NOT NULL,
//	  scaler     BYTEA NOT NULL,
//	  metadata   BYTEA NOT NULL,
//	  manifest   BYTEA NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  PRIMARY KEY (slot, version)
//	);
//	CREATE TABLE artifact_slots (
//	  slot       TEXT PRIMARY KEY,
//	  version    TEXT NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresStore struct {
	db      pgDB
	acquire func(ctx context.Context) (lockSession, error)
	close   func()
	slot    string
}

// pgDB is the subset of pgxpool.Pool the store reads and writes through.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// lockSession is a connection held for the lifetime of an advisory lock.
type lockSession interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Release()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS model_artifacts (
  slot       TEXT NOT NULL,
  version    TEXT NOT NULL,
  model      BYTEA NOT NULL,
  scaler     BYTEA NOT NULL,
  metadata   BYTEA NOT NULL,
  manifest   BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (slot, version)
);
CREATE TABLE IF NOT EXISTS artifact_slots (
  slot       TEXT PRIMARY KEY,
  version    TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, connStr, slot string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	acquire := func(ctx context.Context) (lockSession, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	s := newPostgresStore(pool, acquire, slot)
	s.close = pool.Close
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStore(db pgDB, acquire func(context.Context) (lockSession, error), slot string) *PostgresStore {
	if slot == "" {
		slot = DefaultSlot
	}
	return &PostgresStore{db: db, acquire: acquire, close: func() {}, slot: slot}
}

// EnsureSchema creates the artifact tables if they are missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create artifact schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Save(ctx context.Context, a *Artifact) error {
	blobs, err := encode(a)
	if err != nil {
		return err
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return api.Upstream("postgres begin", err)
	}
	if err := p.insert(ctx, tx, a.Metadata.Version, blobs); err != nil {
		tx.Rollback(ctx)
		return api.Upstream("postgres save artifact", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return api.Upstream("postgres commit artifact", err)
	}
	return nil
}

// insert writes the bundle row and moves the slot pointer inside tx.
func (p *PostgresStore) insert(ctx context.Context, tx pgx.Tx, version string, blobs map[string][]byte) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO model_artifacts (slot, version, model, scaler, metadata, manifest)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.slot, version, blobs[BlobModel], blobs[BlobScaler], blobs[BlobMetadata], blobs[BlobManifest]); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO artifact_slots (slot, version, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (slot) DO UPDATE SET version = EXCLUDED.version, updated_at = NOW()
	`, p.slot, version)
	return err
}

func (p *PostgresStore) Current(ctx context.Context) (string, error) {
	var version string
	err := p.db.QueryRow(ctx, `SELECT version FROM artifact_slots WHERE slot = $1`, p.slot).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", api.ErrModelNotTrained
	}
	if err != nil {
		return "", api.Upstream("postgres read current", err)
	}
	return version, nil
}

func (p *PostgresStore) Get(ctx context.Context, version string) (*Artifact, error) {
	var m, s, meta, man []byte
	err := p.db.QueryRow(ctx, `
		SELECT model, scaler, metadata, manifest
		FROM model_artifacts
		WHERE slot = $1 AND version = $2
	`, p.slot, version).Scan(&m, &s, &meta, &man)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown version %s", ErrIntegrity, version)
	}
	if err != nil {
		return nil, api.Upstream("postgres read artifact", err)
	}
	return decode(version, map[string][]byte{
		BlobModel:    m,
		BlobScaler:   s,
		BlobMetadata: meta,
		BlobManifest: man,
	})
}

// Lock takes a session-level advisory lock keyed by the slot name on a
// dedicated connection, held until unlock.
func (p *PostgresStore) Lock(ctx context.Context) (func(), error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, api.Upstream("postgres acquire", err)
	}
	key := advisoryKey(p.slot)

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, api.Upstream("postgres advisory lock", err)
	}
	if !ok {
		conn.Release()
		return nil, api.ErrTrainingInProgress
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, nil
}

func advisoryKey(slot string) int64 {
	h := fnv.New64a()
	h.Write([]byte("profitcast:" + slot))
	return int64(h.Sum64())
}

func (p *PostgresStore) Close() error {
	p.close()
	return nil
}
