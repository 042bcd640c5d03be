package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured indicates the backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned by Get for absent or expired keys.
	ErrNotFound = errors.New("storage: key not found")
	// ErrLockTimeout is returned when a lock could not be acquired in time.
	ErrLockTimeout = errors.New("storage: lock acquisition timed out")
)

// Backend is the key/value, counter, list and lock surface shared by the
// kernel, ledger and intent manager.
type Backend interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Counter returns the current counter value, zero when absent.
	Counter(ctx context.Context, key string) (int64, error)
	// Increment atomically adds delta and returns the new value. The ttl is
	// applied only when the increment creates the key.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Append pushes value to the tail of the list at key and returns the new length.
	Append(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)
	// Range returns up to count items starting at offset, oldest first.
	Range(ctx context.Context, key string, offset, count int64) ([][]byte, error)
	Len(ctx context.Context, key string) (int64, error)

	// AcquireLock blocks until the named lock is held, ctx is done, or
	// timeout elapses (ErrLockTimeout).
	AcquireLock(ctx context.Context, key string, timeout time.Duration) (Lock, error)

	Close() error
}

// Lock is a held exclusive lock.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// pollInterval bounds how often lock-polling backends retry.
const pollInterval = 20 * time.Millisecond

// waitRetry sleeps for the poll interval or until the deadline/ctx ends.
// It reports false when no further attempt should be made.
func waitRetry(ctx context.Context, deadline time.Time) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	delay := pollInterval
	if remaining < delay {
		delay = remaining
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return true, nil
	}
}
