package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrConsistency reports an internal cache invariant violation, such as
// a cached value that no longer matches its key. The failing request
// aborts; other keys are unaffected.
var ErrConsistency = errors.New("cache consistency violation")

// ResultKey identifies one cached analysis result. Histogram entries
// additionally carry the bin configuration; stats entries leave those
// fields zero. AutoBounds marks entries whose value range is derived
// from the data instead of Min/Max, which then stay zero so NaN never
// enters the key.
type ResultKey struct {
	RegionID   int
	FileID     int
	Channel    int
	Stokes     int
	NumBins    int
	Min        float64
	Max        float64
	AutoBounds bool
}

// entry is one cache slot. done is closed when the computation that
// owns the slot finishes, successfully or not.
type entry[V any] struct {
	done  chan struct{}
	value V
	err   error
	gen   uint64
}

// ResultCache memoizes per-region computations with at-most-once
// semantics: concurrent GetOrCompute calls for the same key share a
// single computation. Invalidate removes a region's entries and
// guarantees that computations started before the call never surface
// through the cache afterwards.
type ResultCache[V any] struct {
	mu      sync.Mutex
	entries map[ResultKey]*entry[V]
	regions map[int]uint64 // regionID -> generation
}

// NewResultCache creates an empty result cache.
func NewResultCache[V any]() *ResultCache[V] {
	return &ResultCache[V]{
		entries: make(map[ResultKey]*entry[V]),
		regions: make(map[int]uint64),
	}
}

// GetOrCompute returns the cached value for key, computing it with fn
// if absent. When several goroutines race on a missing key exactly one
// runs fn; the rest block until it finishes and share its outcome.
// A failed computation is not cached, so a later call retries.
func (c *ResultCache[V]) GetOrCompute(ctx context.Context, key ResultKey, fn func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
			return e.value, e.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	e := &entry[V]{done: make(chan struct{}), gen: c.regions[key.RegionID]}
	c.entries[key] = e
	c.mu.Unlock()

	e.value, e.err = fn(ctx)
	close(e.done)

	c.mu.Lock()
	// Drop the slot if it failed, or if the region was invalidated
	// while the computation ran. Stale results must not outlive an
	// Invalidate that happened before they were published.
	if e.err != nil || c.regions[key.RegionID] != e.gen {
		if c.entries[key] == e {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	// An invalidated result stays valid for the caller who requested
	// it; it is just no longer cached.
	return e.value, e.err
}

// Invalidate removes every cached and in-flight entry for regionID.
// In-flight computations finish but their results are discarded.
func (c *ResultCache[V]) Invalidate(regionID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions[regionID]++
	for key := range c.entries {
		if key.RegionID == regionID {
			delete(c.entries, key)
		}
	}
}

// InvalidateFile removes entries for every region referencing fileID.
func (c *ResultCache[V]) InvalidateFile(fileID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.FileID == fileID {
			c.regions[key.RegionID]++
			delete(c.entries, key)
		}
	}
}

// Len reports the number of resident entries, in-flight ones included.
func (c *ResultCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
