// Package redisstore persists snapshots in Redis and implements subject
// locking with SET NX leases. Unlock uses a compare-and-delete script so a
// holder whose lease expired cannot release a lock taken over by someone
// else.
package redisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xorca/xorca/pkg/store"
)

// unlockScript deletes the lock key only when the caller still holds it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Options configures the Redis store.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key; defaults to "xorca:".
	Prefix string

	// LockTTL bounds how long a crashed holder can keep a subject locked.
	// Defaults to store.DefaultLockTTL.
	LockTTL time.Duration
}

func (o Options) prefix() string {
	if o.Prefix == "" {
		return "xorca:"
	}
	return o.Prefix
}

func (o Options) lockTTL() time.Duration {
	if o.LockTTL <= 0 {
		return store.DefaultLockTTL
	}
	return o.LockTTL
}

// RedisStore is a LockableStore and ProjectionWriter on go-redis v9.
type RedisStore struct {
	rdb  *redis.Client
	opts Options

	mu     sync.Mutex
	tokens map[string]string // key -> lock lease token
}

// Open connects to Redis and verifies connectivity with a ping.
func Open(opts Options) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	return New(rdb, opts), nil
}

// New wraps an already-connected client.
func New(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		opts:   opts,
		tokens: make(map[string]string),
	}
}

// Close shuts down the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) blobKey(key string) string { return s.opts.prefix() + key }
func (s *RedisStore) lockKey(key string) string { return s.opts.prefix() + "lock:" + key }
func (s *RedisStore) idxKey(key string) string  { return s.opts.prefix() + "index:" + key }

// Read returns the value at key, or (nil, nil) when absent.
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.blobKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &store.StoreError{Op: "read", Key: key, Err: err}
	}
	return val, nil
}

// Write stores value at key without expiry; snapshots live until replaced.
func (s *RedisStore) Write(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.blobKey(key), value, 0).Err(); err != nil {
		return &store.StoreError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// Lock takes a lease on key via SET NX. The lease carries a random token so
// only the holder can release it.
func (s *RedisStore) Lock(ctx context.Context, key string) (bool, error) {
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, s.lockKey(key), token, s.opts.lockTTL()).Result()
	if err != nil {
		return false, &store.StoreError{Op: "lock", Key: key, Err: err}
	}
	if !ok {
		return false, nil
	}

	s.mu.Lock()
	s.tokens[key] = token
	s.mu.Unlock()
	return true, nil
}

// Unlock releases the lease when this store instance still holds it.
func (s *RedisStore) Unlock(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	token, held := s.tokens[key]
	delete(s.tokens, key)
	s.mu.Unlock()
	if !held {
		return false, nil
	}

	n, err := unlockScript.Run(ctx, s.rdb, []string{s.lockKey(key)}, token).Int()
	if err != nil {
		return false, &store.StoreError{Op: "unlock", Key: key, Err: err}
	}
	return n == 1, nil
}

// WriteProjection mirrors the index fields into a hash beside the blob so
// dashboards can inspect runs without parsing snapshots.
func (s *RedisStore) WriteProjection(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, s.idxKey(key), fields).Err(); err != nil {
		return &store.StoreError{Op: "projection", Key: key, Err: err}
	}
	return nil
}

var (
	_ store.LockableStore    = (*RedisStore)(nil)
	_ store.ProjectionWriter = (*RedisStore)(nil)
)
