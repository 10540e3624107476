// Package stats computes per-plane statistics and histograms over
// masked pixel data. All reductions exclude NaN samples and run in
// parallel over fixed row chunks so results are bit-reproducible.
package stats

import (
	"context"
	"math"

	"github.com/astroview/server/internal/compute"
	"github.com/astroview/server/internal/region"
)

// Type identifies a single statistic.
type Type int

const (
	None Type = iota
	Sum
	FluxDensity
	Mean
	RMS
	Sigma
	SumSq
	Min
	Max
	Blc
	Trc
	MinPos
	MaxPos
)

var typeNames = map[Type]string{
	None:        "None",
	Sum:         "Sum",
	FluxDensity: "FluxDensity",
	Mean:        "Mean",
	RMS:         "RMS",
	Sigma:       "Sigma",
	SumSq:       "SumSq",
	Min:         "Min",
	Max:         "Max",
	Blc:         "Blc",
	Trc:         "Trc",
	MinPos:      "MinPos",
	MaxPos:      "MaxPos",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "Unknown"
}

// ParseType maps a statistic name back to its Type.
func ParseType(name string) (Type, bool) {
	for t, s := range typeNames {
		if s == name {
			return t, true
		}
	}
	return None, false
}

// Value holds one computed statistic. Scalar statistics use Scalar;
// positional statistics (Blc, Trc, MinPos, MaxPos) use X and Y.
// A statistic over zero finite samples reports NaN.
type Value struct {
	Type   Type    `json:"type"`
	Scalar float64 `json:"value"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
}

// Result is the outcome of one Compute call.
type Result struct {
	Values   []Value  `json:"values"`
	Warnings []string `json:"warnings,omitempty"`
}

// accum is the per-chunk reduction state. Positions are linear pixel
// indexes so chunk merges stay order-independent for min/max ties:
// the lowest index wins, matching a sequential scan.
type accum struct {
	n      int64
	sum    float64
	sumSq  float64
	min    float64
	max    float64
	minIdx int
	maxIdx int
}

func newAccum() accum {
	return accum{
		min:    math.Inf(1),
		max:    math.Inf(-1),
		minIdx: -1,
		maxIdx: -1,
	}
}

func (a *accum) add(v float64, idx int) {
	a.n++
	a.sum += v
	a.sumSq += v * v
	if v < a.min {
		a.min = v
		a.minIdx = idx
	}
	if v > a.max {
		a.max = v
		a.maxIdx = idx
	}
}

// merge folds b into a. Callers must merge in ascending chunk order so
// tie-breaking on min/max positions is deterministic.
func (a *accum) merge(b accum) {
	a.n += b.n
	a.sum += b.sum
	a.sumSq += b.sumSq
	if b.min < a.min {
		a.min = b.min
		a.minIdx = b.minIdx
	}
	if b.max > a.max {
		a.max = b.max
		a.maxIdx = b.maxIdx
	}
}

const reductionChunks = 64

// Compute evaluates the requested statistics over the pixels of plane
// selected by mask. The plane is row-major width*height float32 data;
// mask may be nil to include every pixel. NaN samples never contribute.
func Compute(ctx context.Context, plane []float32, width, height int, mask *region.Mask, types []Type) (Result, error) {
	acc, err := reducePlane(ctx, plane, width, height, mask)
	if err != nil {
		return Result{}, err
	}

	res := Result{Values: make([]Value, 0, len(types))}
	for _, t := range types {
		v := Value{Type: t, Scalar: math.NaN()}
		switch t {
		case None:
			v.Scalar = 0
		case Sum:
			if acc.n > 0 {
				v.Scalar = acc.sum
			}
		case SumSq:
			if acc.n > 0 {
				v.Scalar = acc.sumSq
			}
		case Mean:
			if acc.n > 0 {
				v.Scalar = acc.sum / float64(acc.n)
			}
		case RMS:
			if acc.n > 0 {
				v.Scalar = math.Sqrt(acc.sumSq / float64(acc.n))
			}
		case Sigma:
			if acc.n > 1 {
				mean := acc.sum / float64(acc.n)
				variance := (acc.sumSq - float64(acc.n)*mean*mean) / float64(acc.n-1)
				if variance < 0 {
					variance = 0
				}
				v.Scalar = math.Sqrt(variance)
			}
		case Min:
			if acc.n > 0 {
				v.Scalar = acc.min
			}
		case Max:
			if acc.n > 0 {
				v.Scalar = acc.max
			}
		case MinPos:
			if acc.minIdx >= 0 {
				v.X = float64(acc.minIdx % width)
				v.Y = float64(acc.minIdx / width)
				v.Scalar = acc.min
			}
		case MaxPos:
			if acc.maxIdx >= 0 {
				v.X = float64(acc.maxIdx % width)
				v.Y = float64(acc.maxIdx / width)
				v.Scalar = acc.max
			}
		case Blc:
			if mask != nil {
				v.X, v.Y = float64(mask.X0), float64(mask.Y0)
				v.Scalar = 0
			} else {
				v.X, v.Y = 0, 0
				v.Scalar = 0
			}
		case Trc:
			if mask != nil {
				v.X = float64(mask.X0 + mask.Width - 1)
				v.Y = float64(mask.Y0 + mask.Height - 1)
				v.Scalar = 0
			} else {
				v.X = float64(width - 1)
				v.Y = float64(height - 1)
				v.Scalar = 0
			}
		case FluxDensity:
			res.Warnings = append(res.Warnings, "flux density unavailable: image has no beam information")
		}
		res.Values = append(res.Values, v)
	}
	return res, nil
}

// MinMax returns the finite minimum and maximum of the masked pixels,
// plus the count of finite samples. With no finite samples both bounds
// are NaN and the count is zero.
func MinMax(ctx context.Context, plane []float32, width, height int, mask *region.Mask) (min, max float64, n int64, err error) {
	acc, err := reducePlane(ctx, plane, width, height, mask)
	if err != nil {
		return 0, 0, 0, err
	}
	if acc.n == 0 {
		return math.NaN(), math.NaN(), 0, nil
	}
	return acc.min, acc.max, acc.n, nil
}

// reducePlane runs the shared parallel reduction. When a mask is set
// only rows inside its bounding box are scanned.
func reducePlane(ctx context.Context, plane []float32, width, height int, mask *region.Mask) (accum, error) {
	y0, rows := 0, height
	if mask != nil {
		y0, rows = mask.Y0, mask.Height
	}
	if rows <= 0 || width <= 0 {
		return newAccum(), nil
	}

	chunks := reductionChunks
	if chunks > rows {
		chunks = rows
	}
	partial := make([]accum, chunks)
	for i := range partial {
		partial[i] = newAccum()
	}

	err := compute.ParallelFor(ctx, rows, chunks, func(chunk, start, end int) {
		a := newAccum()
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
				if math.IsNaN(v) {
					continue
				}
				a.add(v, base+x)
			}
		}
		partial[chunk] = a
	})
	if err != nil {
		return accum{}, err
	}

	total := newAccum()
	for _, p := range partial {
		total.merge(p)
	}
	return total, nil
}
