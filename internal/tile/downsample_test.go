package tile

import (
	"context"
	"math"
	"testing"
)

func TestLayers(t *testing.T) {
	cases := []struct {
		width, height int
		want          int
	}{
		{256, 256, 1},
		{257, 256, 2},
		{1024, 1024, 3},
		{4096, 2048, 5},
		{16, 16, 1},
	}
	for _, c := range cases {
		if got := Layers(c.width, c.height, DefaultTileSize); got != c.want {
			t.Errorf("Layers(%d, %d) = %d, want %d", c.width, c.height, got, c.want)
		}
	}
}

func TestMipFor(t *testing.T) {
	// 3 layers: layer 2 is full resolution, layer 0 is coarsest.
	if m := MipFor(2, 3); m != 1 {
		t.Errorf("MipFor(2, 3) = %d, want 1", m)
	}
	if m := MipFor(0, 3); m != 4 {
		t.Errorf("MipFor(0, 3) = %d, want 4", m)
	}
}

func TestDownsampleMean(t *testing.T) {
	// 4x4 ramp, mip 2: each output is the mean of a 2x2 block.
	plane := make([]float32, 16)
	for i := range plane {
		plane[i] = float32(i)
	}
	out, w, h, err := Downsample(context.Background(), plane, 4, 4, 2, KernelMean)
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 || h != 2 {
		t.Fatalf("output %dx%d, want 2x2", w, h)
	}
	want := []float32{2.5, 4.5, 10.5, 12.5}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %g, want %g", i, out[i], want[i])
		}
	}
}

func TestDownsampleMeanSkipsNaN(t *testing.T) {
	nan := float32(math.NaN())
	plane := []float32{1, nan, nan, nan, 3, nan, nan, nan}
	out, w, h, err := Downsample(context.Background(), plane, 4, 2, 2, KernelMean)
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 || h != 1 {
		t.Fatalf("output %dx%d, want 2x1", w, h)
	}
	if out[0] != 2 {
		t.Errorf("out[0] = %g, want 2 (mean of finite samples)", out[0])
	}
	if !math.IsNaN(float64(out[1])) {
		t.Errorf("out[1] = %g, want NaN for all-NaN block", out[1])
	}
}

func TestDownsampleNearest(t *testing.T) {
	plane := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	out, _, _, err := Downsample(context.Background(), plane, 4, 4, 2, KernelNearest)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 3, 9, 11}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %g, want %g", i, out[i], want[i])
		}
	}
}

func TestDownsampleOddEdges(t *testing.T) {
	// 5x3 with mip 2 gives 3x2, edge blocks truncated.
	plane := make([]float32, 15)
	for i := range plane {
		plane[i] = 1
	}
	out, w, h, err := Downsample(context.Background(), plane, 5, 3, 2, KernelMean)
	if err != nil {
		t.Fatal(err)
	}
	if w != 3 || h != 2 {
		t.Fatalf("output %dx%d, want 3x2", w, h)
	}
	for i, v := range out {
		if v != 1 {
			t.Errorf("out[%d] = %g, want 1", i, v)
		}
	}
}

func TestDownsampleMipOne(t *testing.T) {
	plane := []float32{1, 2, 3, 4}
	out, w, h, err := Downsample(context.Background(), plane, 2, 2, 1, KernelMean)
	if err != nil {
		t.Fatal(err)
	}
	if w != 2 || h != 2 {
		t.Fatalf("output %dx%d, want 2x2", w, h)
	}
	out[0] = 99
	if plane[0] == 99 {
		t.Error("mip 1 must copy, not alias, the input")
	}
}

func TestExtractTile(t *testing.T) {
	// 10x10 plane, tile size 4.
	plane := make([]float32, 100)
	for i := range plane {
		plane[i] = float32(i)
	}

	t.Run("interior", func(t *testing.T) {
		data, w, h, err := ExtractTile(plane, 10, 10, 1, 1, 4)
		if err != nil {
			t.Fatal(err)
		}
		if w != 4 || h != 4 {
			t.Fatalf("tile %dx%d, want 4x4", w, h)
		}
		if data[0] != 44 {
			t.Errorf("tile origin sample = %g, want 44", data[0])
		}
	})

	t.Run("truncatedEdge", func(t *testing.T) {
		data, w, h, err := ExtractTile(plane, 10, 10, 2, 2, 4)
		if err != nil {
			t.Fatal(err)
		}
		if w != 2 || h != 2 {
			t.Fatalf("edge tile %dx%d, want 2x2", w, h)
		}
		if data[0] != 88 {
			t.Errorf("edge tile origin = %g, want 88", data[0])
		}
	})

	t.Run("outside", func(t *testing.T) {
		if _, _, _, err := ExtractTile(plane, 10, 10, 3, 0, 4); err == nil {
			t.Error("tile beyond plane should fail")
		}
	})
}
