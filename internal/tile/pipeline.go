// Package tile turns raw image planes into compressed tile payloads.
//
// NaN samples never travel inside the numeric payload: they are
// recorded as run lengths in a side channel, replaced with zero, and
// restored on decode. Lossy encoding quantizes float32 mantissas to a
// configured number of kept bits before compression; both modes then
// compress with zstd.
package tile

import (
	"context"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/astroview/server/internal/compute"
)

// Compression selects the tile payload encoding.
type Compression int

const (
	Lossless Compression = iota
	Lossy
)

func (c Compression) String() string {
	switch c {
	case Lossless:
		return "zstd"
	case Lossy:
		return "quantized"
	default:
		return "unknown"
	}
}

// Config controls tile encoding. Precision is the number of mantissa
// bits kept in lossy mode, 1 to 23.
type Config struct {
	Compression Compression
	Precision   int
	ZstdLevel   int
}

// EncodedTile is one compressed tile ready for delivery. NaNRuns holds
// alternating run lengths of finite and NaN samples, starting with
// finite; an empty slice means no NaNs.
type EncodedTile struct {
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Compression Compression `json:"compression"`
	Precision   int         `json:"precision"`
	NaNRuns     []int32     `json:"nan_runs,omitempty"`
	Payload     []byte      `json:"payload"`
}

// Pipeline encodes and decodes tiles. Safe for concurrent use.
type Pipeline struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewPipeline creates a tile pipeline with the given zstd level
// (zero means default).
func NewPipeline(level int) (*Pipeline, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	encoder, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Pipeline{encoder: encoder, decoder: decoder}, nil
}

// Encode compresses one width*height tile of raw samples. The input
// slice is not modified.
func (p *Pipeline) Encode(ctx context.Context, raw []float32, width, height int, cfg Config) (*EncodedTile, error) {
	if width <= 0 || height <= 0 || len(raw) != width*height {
		return nil, fmt.Errorf("tile shape mismatch: %d samples for %dx%d", len(raw), width, height)
	}
	if cfg.Compression == Lossy && (cfg.Precision < 1 || cfg.Precision > 23) {
		return nil, fmt.Errorf("invalid precision: %d mantissa bits", cfg.Precision)
	}

	data := make([]float32, len(raw))
	copy(data, raw)

	runs := encodeNaNRuns(data)

	if cfg.Compression == Lossy {
		if err := quantizePlane(ctx, data, height, width, uint(cfg.Precision)); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, len(data)*4)
	for i, v := range data {
		bits := math.Float32bits(v)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}

	return &EncodedTile{
		Width:       width,
		Height:      height,
		Compression: cfg.Compression,
		Precision:   cfg.Precision,
		NaNRuns:     runs,
		Payload:     p.encoder.EncodeAll(buf, nil),
	}, nil
}

// Decode reverses Encode, restoring NaN samples from the side channel.
// Lossy payloads decode to the quantized values.
func (p *Pipeline) Decode(enc *EncodedTile) ([]float32, error) {
	buf, err := p.decoder.DecodeAll(enc.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	want := enc.Width * enc.Height
	if len(buf) != want*4 {
		return nil, fmt.Errorf("tile payload length %d, expected %d", len(buf), want*4)
	}

	data := make([]float32, want)
	for i := range data {
		off := i * 4
		bits := uint32(buf[off]) |
			uint32(buf[off+1])<<8 |
			uint32(buf[off+2])<<16 |
			uint32(buf[off+3])<<24
		data[i] = math.Float32frombits(bits)
	}

	if err := applyNaNRuns(data, enc.NaNRuns); err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases the codec resources.
func (p *Pipeline) Close() {
	p.encoder.Close()
	p.decoder.Close()
}

// encodeNaNRuns records NaN positions as alternating finite/NaN run
// lengths and substitutes zero for each NaN in place. A tile with no
// NaNs yields nil.
func encodeNaNRuns(data []float32) []int32 {
	var runs []int32
	var runLen int32
	inNaN := false

	for i, v := range data {
		isNaN := math.IsNaN(float64(v))
		if isNaN {
			data[i] = 0
		}
		if isNaN == inNaN {
			runLen++
			continue
		}
		runs = append(runs, runLen)
		inNaN = isNaN
		runLen = 1
	}
	if inNaN {
		runs = append(runs, runLen)
	} else if runs != nil {
		runs = append(runs, runLen)
	}
	return runs
}

// applyNaNRuns restores NaN samples described by runs.
func applyNaNRuns(data []float32, runs []int32) error {
	if len(runs) == 0 {
		return nil
	}
	nan := float32(math.NaN())
	pos := 0
	for i, run := range runs {
		if run < 0 || pos+int(run) > len(data) {
			return fmt.Errorf("nan runs exceed tile size at run %d", i)
		}
		if i%2 == 1 {
			for j := pos; j < pos+int(run); j++ {
				data[j] = nan
			}
		}
		pos += int(run)
	}
	if pos != len(data) {
		return fmt.Errorf("nan runs cover %d of %d samples", pos, len(data))
	}
	return nil
}

// quantizePlane rounds every sample to keepBits mantissa bits, working
// over row blocks so large tiles respect cancellation.
func quantizePlane(ctx context.Context, data []float32, rows, width int, keepBits uint) error {
	if keepBits >= 23 {
		return nil
	}
	chunks := 8
	if chunks > rows {
		chunks = rows
	}
	return compute.ParallelFor(ctx, rows, chunks, func(chunk, start, end int) {
		shift := 23 - keepBits
		half := uint32(1) << (shift - 1)
		mask := ^uint32(1<<shift - 1)
		for i := start * width; i < end*width; i++ {
			bits := math.Float32bits(data[i])
			if bits&0x7f800000 == 0x7f800000 {
				// Infinities pass through untouched; adding the
				// rounding bias would carry into the NaN space.
				continue
			}
			// Round to nearest by carrying half an ulp before masking.
			data[i] = math.Float32frombits((bits + half) & mask)
		}
	})
}
