// Package store provides counter storage backends for the admission engine.
// A Store persists per-identifier counter state with expiry; the rate
// limiting algorithms rely on it for atomicity across concurrent callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store defines the counter storage contract.
//
// Increment, IncrementWithExpiry, and CompareAndSwap are atomic with
// respect to concurrent callers on the same key: the backend must
// guarantee no lost updates.
// A key set with a ttl becomes absent no later than ttl after the call.
type Store interface {
	// Get retrieves the raw value for the given key.
	// Returns *ErrKeyNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the value for the given key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Increment atomically increments the integer value for the given key
	// by delta, creating the key at delta if absent. Returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// IncrementWithExpiry atomically increments the integer value and sets
	// the ttl when the increment creates the key.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// CompareAndSwap atomically replaces the value for the given key with
	// next and applies the ttl, but only if the current value equals old.
	// A nil old means the key must be absent; the swap then creates it.
	// Returns false without error when the comparison fails, so callers
	// can re-read and retry.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)

	// Delete removes the key from the store. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Close closes the store and releases resources.
	Close() error
}

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}

// UnavailableError indicates the storage backend is unreachable or the
// operation timed out. Callers decide fail-open vs fail-closed policy.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error, so timeouts remain visible via
// errors.Is(err, context.DeadlineExceeded).
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if the error indicates an unreachable or
// timed-out storage backend.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}
