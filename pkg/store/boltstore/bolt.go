// Package boltstore persists snapshots in a local BoltDB file. Subject
// locking is in-process: bbolt serializes writers within a single process,
// so a lease table covers the file-backed deployment shape.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xorca/xorca/pkg/store"
)

var (
	bucketSnapshots   = []byte("snapshots")
	bucketProjections = []byte("projections")
)

// Options configures the Bolt store.
type Options struct {
	// Path is the database file; created with 0600 if absent.
	Path string

	// LockTTL bounds how long a crashed holder keeps a subject locked.
	// Defaults to store.DefaultLockTTL.
	LockTTL time.Duration
}

// BoltStore is a LockableStore and ProjectionWriter on bbolt.
type BoltStore struct {
	db    *bolt.DB
	locks *store.LockTable
}

// Open opens the database file and creates the buckets.
func Open(opts Options) (*BoltStore, error) {
	db, err := bolt.Open(opts.Path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketProjections} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, locks: store.NewLockTable(opts.LockTTL)}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Read returns the value at key, or (nil, nil) when absent.
func (s *BoltStore) Read(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if data == nil {
			return nil
		}
		// Copy out: bolt data is only valid during the transaction.
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, &store.StoreError{Op: "read", Key: key, Err: err}
	}
	return out, nil
}

// Write stores value at key, replacing any previous value.
func (s *BoltStore) Write(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(key), value)
	})
	if err != nil {
		return &store.StoreError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Lock takes an in-process lease on key.
func (s *BoltStore) Lock(ctx context.Context, key string) (bool, error) {
	return s.locks.Lock(ctx, key)
}

// Unlock releases the in-process lease on key.
func (s *BoltStore) Unlock(ctx context.Context, key string) (bool, error) {
	return s.locks.Unlock(ctx, key)
}

// WriteProjection merges the index fields for key into the projections
// bucket as one JSON document per subject.
func (s *BoltStore) WriteProjection(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjections)
		merged := map[string]string{}
		if prev := b.Get([]byte(key)); prev != nil {
			if err := json.Unmarshal(prev, &merged); err != nil {
				return err
			}
		}
		for k, v := range fields {
			merged[k] = v
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return &store.StoreError{Op: "projection", Key: key, Err: err}
	}
	return nil
}

// Projection returns the stored index fields for key, or nil when absent.
func (s *BoltStore) Projection(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProjections).Get([]byte(key))
		if data == nil {
			return nil
		}
		out = map[string]string{}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, &store.StoreError{Op: "projection", Key: key, Err: err}
	}
	return out, nil
}

var (
	_ store.LockableStore    = (*BoltStore)(nil)
	_ store.ProjectionWriter = (*BoltStore)(nil)
)
