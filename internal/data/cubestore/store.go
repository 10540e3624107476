// Package cubestore reads image cubes from chunked on-disk stores.
// A store is a directory holding metadata.json plus zstd-compressed
// row chunks of little-endian float32 planes under c/<stokes>/<channel>/.
package cubestore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/astroview/server/internal/coord"
)

// Source is a readable image cube. ReadSlice returns one channel/stokes
// plane as row-major float32 data of Width*Height samples.
type Source interface {
	ReadSlice(ctx context.Context, channel, stokes int) ([]float32, error)
	Shape() Shape
	WCS() *coord.System
	Name() string
	Close() error
}

// Shape describes cube dimensions.
type Shape struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
	Stokes   int `json:"stokes"`
}

// WCSParams is the linear world coordinate description stored alongside
// the cube data.
type WCSParams struct {
	RefPixelX  float64 `json:"ref_pixel_x"`
	RefPixelY  float64 `json:"ref_pixel_y"`
	RefWorldX  float64 `json:"ref_world_x"`
	RefWorldY  float64 `json:"ref_world_y"`
	IncrementX float64 `json:"increment_x"`
	IncrementY float64 `json:"increment_y"`
	Rotation   float64 `json:"rotation"`
	Frame      string  `json:"frame"`
}

// Metadata is the content of a store's metadata.json.
type Metadata struct {
	Name          string    `json:"name"`
	FormatVersion string    `json:"format_version"`
	Shape         Shape     `json:"shape"`
	ChunkRows     int       `json:"chunk_rows"`
	WCS           WCSParams `json:"wcs"`
}

// Store reads a chunked cube from disk.
type Store struct {
	basePath string
	metadata *Metadata
	wcs      *coord.System
	decoder  *zstd.Decoder
}

// Open opens the store directory at basePath and loads its metadata.
func Open(basePath string) (*Store, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{
		basePath: basePath,
		decoder:  decoder,
	}
	if err := s.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return s, nil
}

func (s *Store) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if meta.Shape.Width <= 0 || meta.Shape.Height <= 0 {
		return fmt.Errorf("invalid shape: %dx%d", meta.Shape.Width, meta.Shape.Height)
	}
	if meta.Shape.Channels <= 0 {
		meta.Shape.Channels = 1
	}
	if meta.Shape.Stokes <= 0 {
		meta.Shape.Stokes = 1
	}
	if meta.ChunkRows <= 0 {
		meta.ChunkRows = meta.Shape.Height
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(s.basePath)
	}

	s.metadata = &meta
	s.wcs = &coord.System{
		RefPixel:  coord.Point{X: meta.WCS.RefPixelX, Y: meta.WCS.RefPixelY},
		RefWorld:  coord.Point{X: meta.WCS.RefWorldX, Y: meta.WCS.RefWorldY},
		Increment: coord.Point{X: meta.WCS.IncrementX, Y: meta.WCS.IncrementY},
		Rotation:  meta.WCS.Rotation,
		Frame:     meta.WCS.Frame,
	}
	return nil
}

// Metadata returns the store metadata.
func (s *Store) Metadata() *Metadata {
	return s.metadata
}

// Shape returns the cube dimensions.
func (s *Store) Shape() Shape {
	return s.metadata.Shape
}

// WCS returns the cube's coordinate system.
func (s *Store) WCS() *coord.System {
	return s.wcs
}

// Name returns the dataset name.
func (s *Store) Name() string {
	return s.metadata.Name
}

// ReadSlice reads and decompresses one plane. Missing chunk files
// represent all-NaN rows.
func (s *Store) ReadSlice(ctx context.Context, channel, stokes int) ([]float32, error) {
	shape := s.metadata.Shape
	if channel < 0 || channel >= shape.Channels {
		return nil, fmt.Errorf("channel out of range: %d (channels=%d)", channel, shape.Channels)
	}
	if stokes < 0 || stokes >= shape.Stokes {
		return nil, fmt.Errorf("stokes out of range: %d (stokes=%d)", stokes, shape.Stokes)
	}

	planeDir := filepath.Join(s.basePath, "c", strconv.Itoa(stokes), strconv.Itoa(channel))
	chunkRows := s.metadata.ChunkRows
	nChunks := ceilDiv(shape.Height, chunkRows)

	plane := make([]float32, shape.Width*shape.Height)
	for chunk := 0; chunk < nChunks; chunk++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rowStart := chunk * chunkRows
		rowLen := min(chunkRows, shape.Height-rowStart)
		want := rowLen * shape.Width

		chunkData, err := s.readChunk(filepath.Join(planeDir, strconv.Itoa(chunk)))
		if os.IsNotExist(err) {
			fillNaN(plane[rowStart*shape.Width : rowStart*shape.Width+want])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk %d of plane %d/%d: %w", chunk, channel, stokes, err)
		}
		if len(chunkData) < want*4 {
			return nil, fmt.Errorf("chunk %d too short: got %d bytes, expected %d", chunk, len(chunkData), want*4)
		}

		base := rowStart * shape.Width
		for i := 0; i < want; i++ {
			off := i * 4
			bits := uint32(chunkData[off]) |
				uint32(chunkData[off+1])<<8 |
				uint32(chunkData[off+2])<<16 |
				uint32(chunkData[off+3])<<24
			plane[base+i] = math.Float32frombits(bits)
		}
	}

	return plane, nil
}

// readChunk reads and decompresses one chunk file.
func (s *Store) readChunk(chunkPath string) ([]byte, error) {
	compressed, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	decompressed, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

// Close releases resources.
func (s *Store) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}

func fillNaN(dst []float32) {
	nan := float32(math.NaN())
	for i := range dst {
		dst[i] = nan
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
