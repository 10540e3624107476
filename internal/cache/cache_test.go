package cache

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		TileCacheSizeMB: 8,
		TileTTL:         time.Minute,
		SliceCacheSize:  16,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestTileCacheRoundTrip(t *testing.T) {
	m := newTestManager(t)

	key := TileKey("m51", 0, 0, 2, 3, 4, "zstd", 0)
	if _, ok := m.GetTile(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	if err := m.SetTile(key, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	data, ok := m.GetTile(key)
	if !ok {
		t.Fatal("expected hit after SetTile")
	}
	if len(data) != 3 || data[0] != 1 {
		t.Fatalf("got %v, want [1 2 3]", data)
	}
}

func TestTileKeyDistinguishesParameters(t *testing.T) {
	base := TileKey("m51", 0, 0, 2, 3, 4, "zstd", 0)
	variants := []string{
		TileKey("orion", 0, 0, 2, 3, 4, "zstd", 0),
		TileKey("m51", 1, 0, 2, 3, 4, "zstd", 0),
		TileKey("m51", 0, 1, 2, 3, 4, "zstd", 0),
		TileKey("m51", 0, 0, 3, 3, 4, "zstd", 0),
		TileKey("m51", 0, 0, 2, 4, 4, "zstd", 0),
		TileKey("m51", 0, 0, 2, 3, 5, "zstd", 0),
		TileKey("m51", 0, 0, 2, 3, 4, "quantized", 0),
		TileKey("m51", 0, 0, 2, 3, 4, "quantized", 12),
	}
	seen := map[string]bool{base: true}
	for _, v := range variants {
		if seen[v] {
			t.Errorf("key collision: %q", v)
		}
		seen[v] = true
	}
}

func TestSliceCache(t *testing.T) {
	m := newTestManager(t)

	key := SliceKey("m51", 5, 0)
	if _, ok := m.GetSlice(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	m.SetSlice(key, []float32{1.5, 2.5})
	data, ok := m.GetSlice(key)
	if !ok {
		t.Fatal("expected hit after SetSlice")
	}
	if len(data) != 2 || data[1] != 2.5 {
		t.Fatalf("got %v, want [1.5 2.5]", data)
	}
}

func TestSliceCacheEviction(t *testing.T) {
	m, err := NewManager(Config{
		TileCacheSizeMB: 8,
		TileTTL:         time.Minute,
		SliceCacheSize:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	m.SetSlice(SliceKey("m51", 0, 0), []float32{0})
	m.SetSlice(SliceKey("m51", 1, 0), []float32{1})
	m.SetSlice(SliceKey("m51", 2, 0), []float32{2})
	if _, ok := m.GetSlice(SliceKey("m51", 0, 0)); ok {
		t.Error("oldest slice should have been evicted")
	}
	if _, ok := m.GetSlice(SliceKey("m51", 2, 0)); !ok {
		t.Error("newest slice should be resident")
	}
}
