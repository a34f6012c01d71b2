package ratelimit

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Counter state blobs are persisted in the store keyed by identifier and
// algorithm. Timestamps are kept as Unix milliseconds so that state written
// by one process reads back identically in another.
//
// Blob updates go through the store's CompareAndSwap so concurrent checks
// on the same identifier serialize instead of losing each other's writes:
// each check re-reads and recomputes after a failed swap.

// maxUpdateRetries bounds the read-recompute-swap retry loop under
// contention on a single identifier.
const maxUpdateRetries = 100

// errUpdateContention is returned when a state update loses the swap race
// maxUpdateRetries times in a row.
var errUpdateContention = fmt.Errorf("counter state update retries exhausted (%d)", maxUpdateRetries)

// slidingWindowState holds the ordered request timestamps inside the
// trailing window.
type slidingWindowState struct {
	TimestampsMs []int64 `json:"ts"`
}

// tokenBucketState holds the available tokens and the last refill instant.
type tokenBucketState struct {
	Tokens       float64 `json:"tokens"`
	LastRefillMs int64   `json:"last_refill_ms"`
}

// leakyBucketState holds the bucket level and the last drain instant.
type leakyBucketState struct {
	Level       float64 `json:"level"`
	LastDrainMs int64   `json:"last_drain_ms"`
}

// encodeState serializes a counter state blob.
func encodeState(state interface{}) ([]byte, error) {
	data, err := sonic.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode counter state: %w", err)
	}
	return data, nil
}

// decodeState deserializes a counter state blob.
func decodeState(data []byte, state interface{}) error {
	if err := sonic.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to decode counter state: %w", err)
	}
	return nil
}

// stateKey builds the store key for algorithms with a single state blob
// per identifier.
func stateKey(identifier string, algorithm Algorithm) string {
	return identifier + ":" + string(algorithm)
}

// fixedWindowKey builds the store key for one fixed window slot.
func fixedWindowKey(identifier string, windowStartMs int64) string {
	return fmt.Sprintf("%s:%s:%d", identifier, AlgorithmFixedWindow, windowStartMs)
}
