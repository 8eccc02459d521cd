package profile

import (
	"log/slog"
	"sync"
	"time"
)

// Batcher collects requests over a time window and executes them in batches.
// This provides better deduplication than singleflight for overlapping (not
// just identical) requests.
//
// Example: three concurrent requests for profiles [a,b,c], [a,d], [b,e]
//   - singleflight: 3 separate relay queries (different batch keys)
//   - batcher: 1 relay query for [a,b,c,d,e] (merged and deduplicated)
type Batcher[V any] struct {
	name     string
	batchFn  func(keys []string) map[string]V
	window   time.Duration
	maxBatch int

	mu       sync.Mutex
	pending  map[string][]*batchWaiter[V]
	timer    *time.Timer
	timerSet bool
}

// batchWaiter represents a caller waiting for results.
type batchWaiter[V any] struct {
	keys   []string
	result chan map[string]V
}

// NewBatcher creates a new batcher.
//
// Parameters:
//   - name: identifier for logging
//   - batchFn: function to fetch values for a batch of keys
//   - window: time to wait before executing a batch (e.g. 50ms)
//   - maxBatch: maximum keys per batch (0 = unlimited)
func NewBatcher[V any](name string, batchFn func(keys []string) map[string]V, window time.Duration, maxBatch int) *Batcher[V] {
	return &Batcher[V]{
		name:     name,
		batchFn:  batchFn,
		window:   window,
		maxBatch: maxBatch,
		pending:  make(map[string][]*batchWaiter[V]),
	}
}

// Get fetches a single value, batching with other concurrent requests.
func (b *Batcher[V]) Get(key string) V {
	result := b.GetMultiple([]string{key})
	return result[key]
}

// GetMultiple fetches multiple values, batching with other concurrent
// requests. Returns a map of key -> value for all requested keys that
// resolved.
func (b *Batcher[V]) GetMultiple(keys []string) map[string]V {
	if len(keys) == 0 {
		return nil
	}

	waiter := &batchWaiter[V]{
		keys:   keys,
		result: make(chan map[string]V, 1),
	}

	b.mu.Lock()

	for _, key := range keys {
		b.pending[key] = append(b.pending[key], waiter)
	}

	if !b.timerSet {
		b.timerSet = true
		b.timer = time.AfterFunc(b.window, b.executeBatch)
	}

	if b.maxBatch > 0 && len(b.pending) >= b.maxBatch {
		b.timer.Stop()
		b.mu.Unlock()
		b.executeBatch()
	} else {
		b.mu.Unlock()
	}

	return <-waiter.result
}

// executeBatch runs the batch function and distributes results to waiters.
func (b *Batcher[V]) executeBatch() {
	b.mu.Lock()

	keys := make([]string, 0, len(b.pending))
	for key := range b.pending {
		keys = append(keys, key)
	}

	waiterSet := make(map[*batchWaiter[V]]bool)
	for _, waiters := range b.pending {
		for _, w := range waiters {
			waiterSet[w] = true
		}
	}

	b.pending = make(map[string][]*batchWaiter[V])
	b.timerSet = false

	b.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	slog.Debug("batcher: executing batch",
		"name", b.name,
		"keys", len(keys),
		"waiters", len(waiterSet))

	results := b.batchFn(keys)

	for waiter := range waiterSet {
		waiterResult := make(map[string]V, len(waiter.keys))
		for _, key := range waiter.keys {
			if val, ok := results[key]; ok {
				waiterResult[key] = val
			}
		}
		waiter.result <- waiterResult
	}
}
