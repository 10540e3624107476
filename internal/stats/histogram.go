package stats

import (
	"context"
	"fmt"
	"math"

	"github.com/astroview/server/internal/compute"
	"github.com/astroview/server/internal/region"
)

// Histogram is a fixed-width binning of finite samples over [Min, Max].
// Bin i covers [Min + i*BinWidth, Min + (i+1)*BinWidth); samples equal
// to Max land in the last bin. FirstBinCenter is Min + BinWidth/2.
type Histogram struct {
	NumBins        int     `json:"num_bins"`
	BinWidth       float64 `json:"bin_width"`
	FirstBinCenter float64 `json:"first_bin_center"`
	Bins           []int64 `json:"bins"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
}

// DefaultNumBins picks the automatic bin count for a plane, the square
// root of the geometric mean of the image dimensions, clamped to 2.
func DefaultNumBins(width, height int) int {
	n := int(math.Ceil(math.Sqrt(math.Sqrt(float64(width) * float64(height)))))
	n *= 2
	if n < 2 {
		n = 2
	}
	return n
}

// ComputeHistogram bins the masked finite samples of plane into numBins
// bins over [min, max]. Bounds usually come from MinMax over the same
// mask; a degenerate range (min == max) puts every sample in bin zero.
func ComputeHistogram(ctx context.Context, plane []float32, width, height int, mask *region.Mask, numBins int, min, max float64) (Histogram, error) {
	if numBins < 1 {
		return Histogram{}, fmt.Errorf("histogram: %d bins requested, need at least 1", numBins)
	}
	if math.IsNaN(min) || math.IsNaN(max) || max < min {
		return Histogram{}, fmt.Errorf("histogram: invalid bounds [%g, %g]", min, max)
	}

	binWidth := (max - min) / float64(numBins)
	h := Histogram{
		NumBins:        numBins,
		BinWidth:       binWidth,
		FirstBinCenter: min + binWidth/2,
		Bins:           make([]int64, numBins),
		Min:            min,
		Max:            max,
	}

	y0, rows := 0, height
	if mask != nil {
		y0, rows = mask.Y0, mask.Height
	}
	if rows <= 0 || width <= 0 {
		return h, nil
	}

	chunks := reductionChunks
	if chunks > rows {
		chunks = rows
	}
	partial := make([][]int64, chunks)

	err := compute.ParallelFor(ctx, rows, chunks, func(chunk, start, end int) {
		bins := make([]int64, numBins)
		for r := start; r < end; r++ {
			y := y0 + r
			x0, x1 := 0, width
			if mask != nil {
				x0, x1 = mask.X0, mask.X0+mask.Width
			}
			base := y * width
			for x := x0; x < x1; x++ {
				if mask != nil && !mask.At(x, y) {
					continue
				}
				v := float64(plane[base+x])
				if math.IsNaN(v) || v < min || v > max {
					continue
				}
				var idx int
				if binWidth > 0 {
					idx = int((v - min) / binWidth)
					if idx >= numBins {
						idx = numBins - 1
					}
				}
				bins[idx]++
			}
		}
		partial[chunk] = bins
	})
	if err != nil {
		return Histogram{}, err
	}

	for _, bins := range partial {
		for i, c := range bins {
			h.Bins[i] += c
		}
	}
	return h, nil
}

// Count returns the total number of binned samples.
func (h Histogram) Count() int64 {
	var n int64
	for _, c := range h.Bins {
		n += c
	}
	return n
}
