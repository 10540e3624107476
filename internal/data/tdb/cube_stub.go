//go:build !tiledb

package tdb

import (
	"context"
	"fmt"
	"os"

	"github.com/astroview/server/internal/coord"
	"github.com/astroview/server/internal/data/cubestore"
)

// Cube is a stub when built without "-tags tiledb".
type Cube struct {
	arrayURI string
	metadata *cubestore.Metadata
	wcs      *coord.System
}

// Open opens a TileDB cube (stub). It still resolves the array path and
// loads the metadata sidecar, so config issues can be caught early, but
// ReadSlice returns ErrUnsupported.
func Open(cubePath string) (*Cube, error) {
	uri, err := ResolveArrayURI(cubePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("tiledb cube not found at %s: %w", uri, statErr)
	}
	meta, cs, err := loadSidecar(uri)
	if err != nil {
		return nil, err
	}
	return &Cube{arrayURI: uri, metadata: meta, wcs: cs}, nil
}

func (c *Cube) Supported() bool { return false }

func (c *Cube) ArrayURI() string { return c.arrayURI }

func (c *Cube) Shape() cubestore.Shape { return c.metadata.Shape }

func (c *Cube) WCS() *coord.System { return c.wcs }

func (c *Cube) Name() string { return c.metadata.Name }

func (c *Cube) ReadSlice(ctx context.Context, channel, stokes int) ([]float32, error) {
	return nil, ErrUnsupported
}

func (c *Cube) Close() error { return nil }
