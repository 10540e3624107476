// Package tdb provides read-only access to image cubes stored as dense
// TileDB arrays.
//
// This is intentionally small: we only need per-plane float32 reads
// from a 4D array with dimensions (stokes, channel, y, x). Cube shape
// and world coordinates come from a metadata.json sidecar next to the
// array directory, in the same format the chunked store uses.
package tdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astroview/server/internal/coord"
	"github.com/astroview/server/internal/data/cubestore"
)

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")
)

// ResolveArrayURI accepts either:
//   - /path/to/.../cube.tdb
//   - /path/to/.../cube  (parent directory)
// and returns the cube.tdb path.
func ResolveArrayURI(cubePath string) (string, error) {
	p := strings.TrimSpace(cubePath)
	if p == "" {
		return "", errors.New("empty cube_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".tdb") {
		return p, nil
	}
	return filepath.Join(p, "cube.tdb"), nil
}

// loadSidecar reads shape and WCS metadata from the metadata.json next
// to the array directory.
func loadSidecar(arrayURI string) (*cubestore.Metadata, *coord.System, error) {
	metaPath := filepath.Join(filepath.Dir(arrayURI), "metadata.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cube metadata at %s: %w", metaPath, err)
	}

	var meta cubestore.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to parse cube metadata: %w", err)
	}
	if meta.Shape.Width <= 0 || meta.Shape.Height <= 0 {
		return nil, nil, fmt.Errorf("invalid cube shape: %dx%d", meta.Shape.Width, meta.Shape.Height)
	}
	if meta.Shape.Channels <= 0 {
		meta.Shape.Channels = 1
	}
	if meta.Shape.Stokes <= 0 {
		meta.Shape.Stokes = 1
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(filepath.Dir(arrayURI))
	}

	cs := &coord.System{
		RefPixel:  coord.Point{X: meta.WCS.RefPixelX, Y: meta.WCS.RefPixelY},
		RefWorld:  coord.Point{X: meta.WCS.RefWorldX, Y: meta.WCS.RefWorldY},
		Increment: coord.Point{X: meta.WCS.IncrementX, Y: meta.WCS.IncrementY},
		Rotation:  meta.WCS.Rotation,
		Frame:     meta.WCS.Frame,
	}
	return &meta, cs, nil
}
