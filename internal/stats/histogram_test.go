package stats

import (
	"context"
	"math"
	"testing"
)

func TestComputeHistogramBasic(t *testing.T) {
	// Samples 0..9 over [0, 9] with 3 bins of width 3.
	plane := make([]float32, 10)
	for i := range plane {
		plane[i] = float32(i)
	}
	h, err := ComputeHistogram(context.Background(), plane, 10, 1, nil, 3, 0, 9)
	if err != nil {
		t.Fatal(err)
	}
	if h.BinWidth != 3 {
		t.Errorf("BinWidth = %g, want 3", h.BinWidth)
	}
	if h.FirstBinCenter != 1.5 {
		t.Errorf("FirstBinCenter = %g, want 1.5", h.FirstBinCenter)
	}
	// [0,3): 0,1,2  [3,6): 3,4,5  [6,9]: 6,7,8,9 (max lands in last bin).
	want := []int64{3, 3, 4}
	for i, c := range h.Bins {
		if c != want[i] {
			t.Errorf("bin %d = %d, want %d", i, c, want[i])
		}
	}
}

func TestComputeHistogramExcludesNaN(t *testing.T) {
	nan := float32(math.NaN())
	plane := []float32{0, nan, 1, nan, 2, 3}
	h, err := ComputeHistogram(context.Background(), plane, 6, 1, nil, 2, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if h.Count() != 4 {
		t.Errorf("Count = %d, want 4 (NaN excluded)", h.Count())
	}
}

func TestComputeHistogramCountMatchesFiniteSamples(t *testing.T) {
	nan := float32(math.NaN())
	plane := make([]float32, 100)
	finite := int64(0)
	for i := range plane {
		if i%7 == 0 {
			plane[i] = nan
		} else {
			plane[i] = float32(i)
			finite++
		}
	}
	min, max, n, err := MinMax(context.Background(), plane, 10, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != finite {
		t.Fatalf("MinMax count = %d, want %d", n, finite)
	}
	h, err := ComputeHistogram(context.Background(), plane, 10, 10, nil, 16, min, max)
	if err != nil {
		t.Fatal(err)
	}
	if h.Count() != finite {
		t.Errorf("histogram Count = %d, want %d", h.Count(), finite)
	}
}

func TestComputeHistogramDegenerateRange(t *testing.T) {
	plane := []float32{5, 5, 5, 5}
	h, err := ComputeHistogram(context.Background(), plane, 2, 2, nil, 4, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if h.Bins[0] != 4 {
		t.Errorf("degenerate range: bin 0 = %d, want 4", h.Bins[0])
	}
	if h.Count() != 4 {
		t.Errorf("degenerate range: Count = %d, want 4", h.Count())
	}
}

func TestComputeHistogramInvalidArgs(t *testing.T) {
	plane := []float32{1}
	if _, err := ComputeHistogram(context.Background(), plane, 1, 1, nil, 0, 0, 1); err == nil {
		t.Error("zero bins should fail")
	}
	if _, err := ComputeHistogram(context.Background(), plane, 1, 1, nil, 4, 2, 1); err == nil {
		t.Error("max < min should fail")
	}
	if _, err := ComputeHistogram(context.Background(), plane, 1, 1, nil, 4, math.NaN(), 1); err == nil {
		t.Error("NaN bound should fail")
	}
}

func TestComputeHistogramDeterministic(t *testing.T) {
	plane := make([]float32, 1<<14)
	for i := range plane {
		plane[i] = float32(math.Sin(float64(i)))
	}
	first, err := ComputeHistogram(context.Background(), plane, 128, 128, nil, 32, -1, 1)
	if err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 5; run++ {
		h, err := ComputeHistogram(context.Background(), plane, 128, 128, nil, 32, -1, 1)
		if err != nil {
			t.Fatal(err)
		}
		for i := range first.Bins {
			if h.Bins[i] != first.Bins[i] {
				t.Fatalf("run %d bin %d = %d, want %d", run, i, h.Bins[i], first.Bins[i])
			}
		}
	}
}

func TestDefaultNumBins(t *testing.T) {
	if n := DefaultNumBins(1024, 1024); n != 64 {
		t.Errorf("DefaultNumBins(1024, 1024) = %d, want 64", n)
	}
	if n := DefaultNumBins(1, 1); n < 2 {
		t.Errorf("DefaultNumBins(1, 1) = %d, want at least 2", n)
	}
}
