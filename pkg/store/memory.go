package store

import (
	"context"
	"sync"
	"time"
)

// LockTable is an in-process LockingManager: per-key leases with a TTL so a
// holder that never unlocks cannot leak the key forever. The memory and bolt
// stores use it where no external lock service exists.
type LockTable struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]time.Time // key -> lease expiry
}

// NewLockTable builds a lock table. A non-positive ttl falls back to
// DefaultLockTTL.
func NewLockTable(ttl time.Duration) *LockTable {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &LockTable{ttl: ttl, leases: make(map[string]time.Time)}
}

// Lock tries to take the key. It returns false while another holder's lease
// is live; an expired lease is taken over.
func (t *LockTable) Lock(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if expiry, held := t.leases[key]; held && now.Before(expiry) {
		return false, nil
	}
	t.leases[key] = now.Add(t.ttl)
	return true, nil
}

// Unlock releases the key, reporting whether a live lease was held.
func (t *LockTable) Unlock(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, held := t.leases[key]
	delete(t.leases, key)
	return held && time.Now().Before(expiry), nil
}

var _ LockingManager = (*LockTable)(nil)

// MemoryStore is an in-process LockableStore for tests and single-process
// deployments: a byte map guarded by a mutex plus a TTL lock table. It also
// keeps the pre-writer projections so tests can assert on them.
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string][]byte
	projections map[string]map[string]string
	locks       *LockTable
}

// NewMemoryStore builds an empty store with the default lock TTL.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:        make(map[string][]byte),
		projections: make(map[string]map[string]string),
		locks:       NewLockTable(DefaultLockTTL),
	}
}

// Read returns the value at key, or (nil, nil) when absent.
func (s *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Write stores value at key, replacing any previous value.
func (s *MemoryStore) Write(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

// Lock delegates to the in-process lock table.
func (s *MemoryStore) Lock(ctx context.Context, key string) (bool, error) {
	return s.locks.Lock(ctx, key)
}

// Unlock delegates to the in-process lock table.
func (s *MemoryStore) Unlock(ctx context.Context, key string) (bool, error) {
	return s.locks.Unlock(ctx, key)
}

// WriteProjection keeps the index fields beside the blob.
func (s *MemoryStore) WriteProjection(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.projections[key] = copied
	return nil
}

// Projection returns the last projection written for key, for tests.
func (s *MemoryStore) Projection(key string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projections[key]
}

// Keys returns every stored key, for tests.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of stored values.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var (
	_ LockableStore    = (*MemoryStore)(nil)
	_ ProjectionWriter = (*MemoryStore)(nil)
)
