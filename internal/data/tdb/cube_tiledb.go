//go:build tiledb

package tdb

import (
	"context"
	"fmt"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/astroview/server/internal/coord"
	"github.com/astroview/server/internal/data/cubestore"
)

// Cube reads planes from a dense 4D TileDB array with dimensions
// (stokes, channel, y, x) and a single float32 attribute "value".
type Cube struct {
	arrayURI string
	metadata *cubestore.Metadata
	wcs      *coord.System
	tctx     *tiledb.Context
}

// Open opens the TileDB cube at cubePath.
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

	tctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Cube{
		arrayURI: uri,
		metadata: meta,
		wcs:      cs,
		tctx:     tctx,
	}, nil
}

func (c *Cube) Supported() bool { return true }

func (c *Cube) ArrayURI() string { return c.arrayURI }

func (c *Cube) Shape() cubestore.Shape { return c.metadata.Shape }

func (c *Cube) WCS() *coord.System { return c.wcs }

func (c *Cube) Name() string { return c.metadata.Name }

// ReadSlice reads one channel/stokes plane from the dense array.
func (c *Cube) ReadSlice(ctx context.Context, channel, stokes int) ([]float32, error) {
	shape := c.metadata.Shape
	if channel < 0 || channel >= shape.Channels {
		return nil, fmt.Errorf("channel out of range: %d (channels=%d)", channel, shape.Channels)
	}
	if stokes < 0 || stokes >= shape.Stokes {
		return nil, fmt.Errorf("stokes out of range: %d (stokes=%d)", stokes, shape.Stokes)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	arr, err := tiledb.NewArray(c.tctx, c.arrayURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open cube array (%s): %w", c.arrayURI, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open cube array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	if err := sub.AddRangeByName("stokes", tiledb.MakeRange[int32](int32(stokes), int32(stokes))); err != nil {
		return nil, fmt.Errorf("failed to add stokes range: %w", err)
	}
	if err := sub.AddRangeByName("channel", tiledb.MakeRange[int32](int32(channel), int32(channel))); err != nil {
		return nil, fmt.Errorf("failed to add channel range: %w", err)
	}
	if err := sub.AddRangeByName("y", tiledb.MakeRange[int32](0, int32(shape.Height-1))); err != nil {
		return nil, fmt.Errorf("failed to add y range: %w", err)
	}
	if err := sub.AddRangeByName("x", tiledb.MakeRange[int32](0, int32(shape.Width-1))); err != nil {
		return nil, fmt.Errorf("failed to add x range: %w", err)
	}

	q, err := tiledb.NewQuery(c.tctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	plane := make([]float32, shape.Width*shape.Height)
	if _, err := q.SetDataBuffer("value", plane); err != nil {
		return nil, fmt.Errorf("failed to set value buffer: %w", err)
	}

	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("unexpected query status: %v", status)
	}

	return plane, nil
}

func (c *Cube) Close() error {
	if c.tctx != nil {
		c.tctx.Free()
	}
	return nil
}
