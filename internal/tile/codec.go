package tile

import (
	"encoding/binary"
	"fmt"
)

// Wire framing for one encoded tile, little endian throughout:
//
//	magic "AVT1" | width u32 | height u32 | compression u8 |
//	precision u8 | nanRunCount u32 | nanRuns []i32 | payload
const tileMagic = "AVT1"

const tileHeaderSize = 4 + 4 + 4 + 1 + 1 + 4

// MarshalBinary frames the tile for caching or delivery.
func (e *EncodedTile) MarshalBinary() ([]byte, error) {
	if e.Width <= 0 || e.Height <= 0 {
		return nil, fmt.Errorf("cannot marshal tile with shape %dx%d", e.Width, e.Height)
	}
	buf := make([]byte, 0, tileHeaderSize+4*len(e.NaNRuns)+len(e.Payload))
	buf = append(buf, tileMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Width))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Height))
	buf = append(buf, byte(e.Compression), byte(e.Precision))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.NaNRuns)))
	for _, run := range e.NaNRuns {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(run))
	}
	return append(buf, e.Payload...), nil
}

// UnmarshalBinary parses a frame produced by MarshalBinary.
func (e *EncodedTile) UnmarshalBinary(data []byte) error {
	if len(data) < tileHeaderSize {
		return fmt.Errorf("tile frame too short: %d bytes", len(data))
	}
	if string(data[:4]) != tileMagic {
		return fmt.Errorf("bad tile magic %q", data[:4])
	}
	width := int(binary.LittleEndian.Uint32(data[4:]))
	height := int(binary.LittleEndian.Uint32(data[8:]))
	compression := Compression(data[12])
	precision := int(data[13])
	runCount := int(binary.LittleEndian.Uint32(data[14:]))
	if width <= 0 || height <= 0 {
		return fmt.Errorf("bad tile shape %dx%d", width, height)
	}
	if compression != Lossless && compression != Lossy {
		return fmt.Errorf("unknown compression byte %d", data[12])
	}
	rest := data[tileHeaderSize:]
	if runCount > len(rest)/4 {
		return fmt.Errorf("tile frame truncated: %d runs declared, %d bytes left", runCount, len(rest))
	}
	var runs []int32
	if runCount > 0 {
		runs = make([]int32, runCount)
		for i := range runs {
			runs[i] = int32(binary.LittleEndian.Uint32(rest[4*i:]))
		}
	}
	e.Width = width
	e.Height = height
	e.Compression = compression
	e.Precision = precision
	e.NaNRuns = runs
	e.Payload = append([]byte(nil), rest[4*runCount:]...)
	return nil
}
