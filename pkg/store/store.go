// Package store defines the lockable key-value contract the orchestration
// core persists snapshots through, plus the timed lock retrier and an
// in-memory implementation. Concrete backends live in the redisstore,
// boltstore and pgstore subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreFailure is the sentinel wrapped by every backend read/write
	// failure.
	ErrStoreFailure = errors.New("store failure")
	// ErrLockAcquisitionTimeout is returned when the retry budget for a
	// per-key lock is exhausted.
	ErrLockAcquisitionTimeout = errors.New("lock acquisition timeout")
)

// Store is a plain key to bytes mapping. Read returns (nil, nil) when the
// key is absent.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
}

// LockingManager provides non-blocking per-key try-locks. Lock returns
// false when the key is already held. Implementations must expire locks
// server-side after a TTL so a crashed holder cannot leak them forever.
type LockingManager interface {
	Lock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) (bool, error)
}

// LockableStore is the full capability the persistent actor consumes.
type LockableStore interface {
	Store
	LockingManager
}

// ProjectionWriter is an optional capability: stores that can persist the
// pre-writer hook's index fields alongside the snapshot blob implement it.
// Projection failures are advisory and never block the blob write.
type ProjectionWriter interface {
	WriteProjection(ctx context.Context, key string, fields map[string]string) error
}

// StoreError wraps a backend failure with the operation and key.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is matches ErrStoreFailure so errors.Is works across the wrap chain.
func (e *StoreError) Is(target error) bool { return target == ErrStoreFailure }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *StoreError) ErrorName() string { return "StoreFailure" }

// LockTimeoutError reports an exhausted lock retry budget.
type LockTimeoutError struct {
	Key      string
	Attempts int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %q not acquired after %d attempts", e.Key, e.Attempts)
}

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockAcquisitionTimeout }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *LockTimeoutError) ErrorName() string { return "LockAcquisitionTimeout" }

// LockMode declares how an actor holds the per-subject lock.
type LockMode string

const (
	// LockNone skips locking entirely.
	LockNone LockMode = "none"
	// LockWrite acquires the lock just around the snapshot write.
	LockWrite LockMode = "write-only"
	// LockReadWrite holds the lock from snapshot read through write.
	LockReadWrite LockMode = "read-write"
)

// ParseLockMode converts a config string into a LockMode.
func ParseLockMode(s string) (LockMode, error) {
	switch LockMode(s) {
	case LockNone, LockWrite, LockReadWrite:
		return LockMode(s), nil
	case "":
		return LockReadWrite, nil
	}
	return "", fmt.Errorf("unknown lock mode %q", s)
}

// Defaults for the locking protocol. The TTL is advisory here; each backend
// enforces its own expiry.
const (
	DefaultLockTimeout = 5 * time.Second
	DefaultLockDelay   = 200 * time.Millisecond
	DefaultLockTTL     = 900 * time.Second
)

// LockRetrier converts the non-blocking try-lock into a bounded blocking
// acquire: up to Timeout/Delay attempts separated by Delay.
type LockRetrier struct {
	Timeout time.Duration
	Delay   time.Duration
}

func (r LockRetrier) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultLockTimeout
	}
	return r.Timeout
}

func (r LockRetrier) delay() time.Duration {
	if r.Delay <= 0 {
		return DefaultLockDelay
	}
	return r.Delay
}

// Attempts returns the try budget derived from timeout and delay.
func (r LockRetrier) Attempts() int {
	n := int(r.timeout() / r.delay())
	if n < 1 {
		n = 1
	}
	return n
}

// Acquire tries the lock until it succeeds, the budget is exhausted, or ctx
// is done. Exhaustion returns a LockTimeoutError; backend failures abort
// immediately as StoreError.
func (r LockRetrier) Acquire(ctx context.Context, lm LockingManager, key string) error {
	attempts := r.Attempts()
	for i := 0; i < attempts; i++ {
		ok, err := lm.Lock(ctx, key)
		if err != nil {
			return &StoreError{Op: "lock", Key: key, Err: err}
		}
		if ok {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay()):
		}
	}
	return &LockTimeoutError{Key: key, Attempts: attempts}
}
