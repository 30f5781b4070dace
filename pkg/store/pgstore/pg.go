// Package pgstore persists snapshots in PostgreSQL and locks subjects with
// advisory locks. Advisory locks are session-scoped, so each held lock pins
// a dedicated connection; a crashed holder's session drop releases the lock,
// which stands in for the lease TTL other backends use.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/xorca/xorca/pkg/store"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS xorca_snapshots (
	key        TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	projection JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PGStore is a LockableStore and ProjectionWriter on PostgreSQL.
type PGStore struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn // key -> connection pinning the advisory lock
}

// Open connects to PostgreSQL and verifies connectivity.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PGStore{db: db, conns: make(map[string]*sql.Conn)}, nil
}

// EnsureSchema creates the snapshots table when it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close releases every pinned lock connection and the pool.
func (s *PGStore) Close() error {
	s.mu.Lock()
	for key, conn := range s.conns {
		conn.Close()
		delete(s.conns, key)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// Read returns the blob at key, or (nil, nil) when absent.
func (s *PGStore) Read(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM xorca_snapshots WHERE key = $1`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &store.StoreError{Op: "read", Key: key, Err: err}
	}
	return blob, nil
}

// Write upserts the blob at key.
func (s *PGStore) Write(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO xorca_snapshots (key, blob, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`,
		key, value)
	if err != nil {
		return &store.StoreError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Lock tries a session advisory lock on the key hash, pinning one pool
// connection while held.
func (s *PGStore) Lock(ctx context.Context, key string) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, &store.StoreError{Op: "lock", Key: key, Err: err}
	}

	var acquired bool
	err = conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&acquired)
	if err != nil {
		conn.Close()
		return false, &store.StoreError{Op: "lock", Key: key, Err: err}
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	s.mu.Lock()
	s.conns[key] = conn
	s.mu.Unlock()
	return true, nil
}

// Unlock releases the advisory lock and returns the pinned connection to
// the pool.
func (s *PGStore) Unlock(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	conn, held := s.conns[key]
	delete(s.conns, key)
	s.mu.Unlock()
	if !held {
		return false, nil
	}

	var released bool
	err := conn.QueryRowContext(ctx,
		`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&released)
	conn.Close()
	if err != nil {
		return false, &store.StoreError{Op: "unlock", Key: key, Err: err}
	}
	return released, nil
}

// WriteProjection merges the index fields into the row's projection column.
// A missing row is a no-op; projections always follow a blob write.
func (s *PGStore) WriteProjection(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return &store.StoreError{Op: "projection", Key: key, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE xorca_snapshots
		SET projection = projection || $2::jsonb, updated_at = now()
		WHERE key = $1`,
		key, patch)
	if err != nil {
		return &store.StoreError{Op: "projection", Key: key, Err: err}
	}
	return nil
}

var (
	_ store.LockableStore    = (*PGStore)(nil)
	_ store.ProjectionWriter = (*PGStore)(nil)
)
