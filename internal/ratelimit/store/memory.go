package store

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// maxCASRetries is the maximum number of CAS retry attempts to prevent
// infinite spinning under high contention.
const maxCASRetries = 100

// entry represents a stored value with expiration.
type entry struct {
	value      []byte
	expiration time.Time
}

// expired reports whether the entry has passed its expiration.
func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// MemoryStore implements Store using in-process storage. Integer values are
// stored in decimal form so that Get/Set and Increment interoperate the same
// way they do on a Redis backend.
type MemoryStore struct {
	data    sync.Map
	cleanup *time.Ticker
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanupInterval(time.Minute)
}

// NewMemoryStoreWithCleanupInterval creates a new in-memory store with a
// custom cleanup interval for expired entries.
func NewMemoryStoreWithCleanupInterval(interval time.Duration) *MemoryStore {
	s := &MemoryStore{
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	go s.startCleanup()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return nil, &ErrKeyNotFound{Key: key}
	}

	e := value.(*entry)
	if e.expired(time.Now()) {
		s.data.Delete(key)
		return nil, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.data.Store(key, &entry{
		value:      stored,
		expiration: exp,
	})

	return nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.IncrementWithExpiry(ctx, key, delta, 0)
}

// IncrementWithExpiry implements Store. The ttl applies only when the
// increment creates the key; an existing key keeps its expiration.
func (s *MemoryStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	ttl time.Duration,
) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			newEntry := &entry{
				value:      []byte(strconv.FormatInt(delta, 10)),
				expiration: exp,
			}
			if actual, loaded := s.data.LoadOrStore(key, newEntry); loaded {
				// Another goroutine created it, fall through to CAS path.
				value = actual
			} else {
				return delta, nil
			}
		}

		e := value.(*entry)

		if e.expired(time.Now()) {
			// Reset with the fresh expiration using CAS to avoid racing
			// a concurrent increment.
			newEntry := &entry{
				value:      []byte(strconv.FormatInt(delta, 10)),
				expiration: exp,
			}
			if s.data.CompareAndSwap(key, e, newEntry) {
				return delta, nil
			}
			continue
		}

		current, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer: %w", key, err)
		}

		newEntry := &entry{
			value:      []byte(strconv.FormatInt(current+delta, 10)),
			expiration: e.expiration,
		}

		if s.data.CompareAndSwap(key, e, newEntry) {
			return current + delta, nil
		}
		// CAS failed, retry
	}

	return 0, fmt.Errorf("increment failed: max retries (%d) exceeded", maxCASRetries)
}

// CompareAndSwap implements Store. The comparison is on value content; the
// swap itself goes through the sync.Map entry CAS so concurrent writers
// cannot interleave between the compare and the store.
func (s *MemoryStore) CompareAndSwap(
	ctx context.Context,
	key string,
	old, next []byte,
	ttl time.Duration,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}

	stored := make([]byte, len(next))
	copy(stored, next)
	newEntry := &entry{
		value:      stored,
		expiration: exp,
	}

	value, ok := s.data.Load(key)
	if !ok {
		if old != nil {
			return false, nil
		}
		_, loaded := s.data.LoadOrStore(key, newEntry)
		return !loaded, nil
	}

	e := value.(*entry)
	if e.expired(time.Now()) {
		// An expired entry counts as absent, but the swap still has to CAS
		// the stale entry out so a concurrent writer is not overwritten.
		if old != nil {
			return false, nil
		}
		return s.data.CompareAndSwap(key, e, newEntry), nil
	}

	if old == nil || !bytes.Equal(e.value, old) {
		return false, nil
	}
	return s.data.CompareAndSwap(key, e, newEntry), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.data.Delete(key)
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	value, ok := s.data.Load(key)
	if !ok {
		return false, nil
	}

	e := value.(*entry)
	if e.expired(time.Now()) {
		s.data.Delete(key)
		return false, nil
	}

	return true, nil
}

// Close implements Store. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cleanup.Stop()
	close(s.done)

	return nil
}

// startCleanup periodically removes expired entries.
func (s *MemoryStore) startCleanup() {
	for {
		select {
		case <-s.cleanup.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

// cleanupExpired removes all expired entries.
func (s *MemoryStore) cleanupExpired() {
	now := time.Now()

	s.data.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		if e.expired(now) {
			s.data.Delete(key)
		}
		return true
	})
}

// Size returns the number of entries in the store.
func (s *MemoryStore) Size() int {
	count := 0
	s.data.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}
