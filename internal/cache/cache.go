// Package cache provides caching for encoded tiles, decoded image
// slices, and per-region analysis results.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
	SliceCacheSize  int
}

// Manager manages the tile and slice caches.
type Manager struct {
	tileCache  *bigcache.BigCache
	sliceCache *lru.Cache[string, []float32]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // 512KB per encoded tile
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	sliceCache, err := lru.New[string, []float32](cfg.SliceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create slice cache: %w", err)
	}

	return &Manager{
		tileCache:  tileCache,
		sliceCache: sliceCache,
	}, nil
}

// GetTile retrieves an encoded tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores an encoded tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// GetSlice retrieves a decoded channel slice from cache.
func (m *Manager) GetSlice(key string) ([]float32, bool) {
	return m.sliceCache.Get(key)
}

// SetSlice stores a decoded channel slice in cache.
func (m *Manager) SetSlice(key string, data []float32) {
	m.sliceCache.Add(key, data)
}

// TileKey generates a cache key for an encoded tile. Keys are scoped by
// dataset name, not per-session file ids, so sessions share tiles of
// the same dataset without colliding across datasets. The key carries
// every parameter that changes the payload bytes.
func TileKey(dataset string, channel, stokes, layer, x, y int, compression string, quality int) string {
	return fmt.Sprintf("tile:%s:%d/%d:%d/%d/%d:%s:%d",
		dataset, channel, stokes, layer, x, y, compression, quality)
}

// SliceKey generates a cache key for a decoded channel slice, scoped by
// dataset name like TileKey.
func SliceKey(dataset string, channel, stokes int) string {
	return fmt.Sprintf("slice:%s:%d/%d", dataset, channel, stokes)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len":  m.tileCache.Len(),
		"tile_cache_cap":  m.tileCache.Capacity(),
		"slice_cache_len": m.sliceCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
