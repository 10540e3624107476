package tile

import (
	"context"
	"fmt"
	"math"

	"github.com/astroview/server/internal/compute"
)

// Kernel selects the downsampling filter.
type Kernel int

const (
	// KernelMean averages the finite samples of each mip block; a block
	// with no finite samples downsamples to NaN.
	KernelMean Kernel = iota
	// KernelNearest takes the top-left sample of each block.
	KernelNearest
)

// DefaultTileSize is the edge length of delivered tiles.
const DefaultTileSize = 256

// Layers returns the number of tile layers for an image, counting down
// from full resolution until both axes fit a single tile.
func Layers(width, height, tileSize int) int {
	n := 1
	for width > tileSize || height > tileSize {
		width = (width + 1) / 2
		height = (height + 1) / 2
		n++
	}
	return n
}

// MipFor returns the downsampling factor for a layer, where the last
// layer (layers-1) is full resolution.
func MipFor(layer, layers int) int {
	return 1 << (layers - 1 - layer)
}

// Downsample reduces a plane by an integer factor. The output is
// ceil(width/mip) x ceil(height/mip). A mip of 1 returns a copy.
func Downsample(ctx context.Context, plane []float32, width, height, mip int, kernel Kernel) ([]float32, int, int, error) {
	if mip <= 0 || width <= 0 || height <= 0 || len(plane) != width*height {
		return nil, 0, 0, fmt.Errorf("downsample shape mismatch: %d samples for %dx%d mip %d", len(plane), width, height, mip)
	}
	if mip == 1 {
		out := make([]float32, len(plane))
		copy(out, plane)
		return out, width, height, nil
	}

	outW := (width + mip - 1) / mip
	outH := (height + mip - 1) / mip
	out := make([]float32, outW*outH)

	chunks := 8
	if chunks > outH {
		chunks = outH
	}
	err := compute.ParallelFor(ctx, outH, chunks, func(chunk, start, end int) {
		for oy := start; oy < end; oy++ {
			y0 := oy * mip
			y1 := y0 + mip
			if y1 > height {
				y1 = height
			}
			for ox := 0; ox < outW; ox++ {
				x0 := ox * mip
				x1 := x0 + mip
				if x1 > width {
					x1 = width
				}

				if kernel == KernelNearest {
					out[oy*outW+ox] = plane[y0*width+x0]
					continue
				}

				var sum float64
				var n int
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						v := float64(plane[y*width+x])
						if math.IsNaN(v) {
							continue
						}
						sum += v
						n++
					}
				}
				if n == 0 {
					out[oy*outW+ox] = float32(math.NaN())
				} else {
					out[oy*outW+ox] = float32(sum / float64(n))
				}
			}
		}
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return out, outW, outH, nil
}

// ExtractTile cuts tile (tx, ty) of edge tileSize from a plane. Edge
// tiles are truncated to the remaining samples.
func ExtractTile(plane []float32, width, height, tx, ty, tileSize int) ([]float32, int, int, error) {
	if tileSize <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid tile size: %d", tileSize)
	}
	x0 := tx * tileSize
	y0 := ty * tileSize
	if tx < 0 || ty < 0 || x0 >= width || y0 >= height {
		return nil, 0, 0, fmt.Errorf("tile %d/%d outside %dx%d plane", tx, ty, width, height)
	}

	w := tileSize
	if x0+w > width {
		w = width - x0
	}
	h := tileSize
	if y0+h > height {
		h = height - y0
	}

	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		src := (y0+y)*width + x0
		copy(out[y*w:(y+1)*w], plane[src:src+w])
	}
	return out, w, h, nil
}
