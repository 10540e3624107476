package cubestore

import (
	"context"
	"fmt"

	"github.com/astroview/server/internal/coord"
)

// MemSource is an in-memory cube backed by per-plane slices. Planes are
// indexed [stokes][channel] and each must hold Width*Height samples.
type MemSource struct {
	name   string
	shape  Shape
	wcs    *coord.System
	planes [][][]float32
}

// NewMemSource builds an in-memory cube. Nil plane slices read as
// missing and return an error.
func NewMemSource(name string, shape Shape, wcs *coord.System, planes [][][]float32) *MemSource {
	if wcs == nil {
		wcs = &coord.System{
			Increment: coord.Point{X: 1, Y: 1},
		}
	}
	return &MemSource{name: name, shape: shape, wcs: wcs, planes: planes}
}

func (m *MemSource) ReadSlice(ctx context.Context, channel, stokes int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stokes < 0 || stokes >= len(m.planes) || channel < 0 || channel >= len(m.planes[stokes]) {
		return nil, fmt.Errorf("plane out of range: channel=%d stokes=%d", channel, stokes)
	}
	plane := m.planes[stokes][channel]
	if plane == nil {
		return nil, fmt.Errorf("plane %d/%d not loaded", channel, stokes)
	}
	return plane, nil
}

func (m *MemSource) Shape() Shape { return m.shape }

func (m *MemSource) WCS() *coord.System { return m.wcs }

func (m *MemSource) Name() string { return m.name }

func (m *MemSource) Close() error { return nil }
