// Package coord converts region control points and lengths between pixel
// and world units for an image's coordinate system.
package coord

import (
	"errors"
	"fmt"
	"math"
)

// ErrConversion indicates the coordinate system cannot support the
// requested conversion (no direction or linear axis).
var ErrConversion = errors.New("coordinate conversion not supported by this coordinate system")

// System describes a two-dimensional linear world coordinate system for one
// image plane: a reference pixel, its world value, per-axis increments and a
// rotation. Image loaders populate it from the file header; all methods are
// pure functions of the stored parameters.
type System struct {
	RefPixel  Point   // reference pixel (CRPIX), 0-based
	RefWorld  Point   // world value at the reference pixel, degrees
	Increment Point   // world increment per pixel along each axis, degrees
	Rotation  float64 // axis rotation, degrees counter-clockwise
	Frame     string  // direction frame ("J2000", "ICRS", ...); empty for linear axes
}

// Point is an (x, y) pair. Whether it holds pixel or world values depends
// on context.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// HasDirection reports whether the system carries a celestial direction
// frame rather than plain linear axes.
func (s *System) HasDirection() bool {
	return s != nil && s.Frame != ""
}

// Linear reports whether world conversions are possible at all: both axis
// increments must be non-zero.
func (s *System) Linear() bool {
	return s != nil && s.Increment.X != 0 && s.Increment.Y != 0
}

// PixelToWorld converts a pixel-coordinate point to world coordinates.
func (s *System) PixelToWorld(p Point) (Point, error) {
	if !s.Linear() {
		return Point{}, fmt.Errorf("pixel to world: %w", ErrConversion)
	}
	dx := p.X - s.RefPixel.X
	dy := p.Y - s.RefPixel.Y
	sin, cos := math.Sincos(s.Rotation * math.Pi / 180)
	rx := dx*cos - dy*sin
	ry := dx*sin + dy*cos
	return Point{
		X: s.RefWorld.X + rx*s.Increment.X,
		Y: s.RefWorld.Y + ry*s.Increment.Y,
	}, nil
}

// WorldToPixel converts a world-coordinate point to pixel coordinates.
func (s *System) WorldToPixel(w Point) (Point, error) {
	if !s.Linear() {
		return Point{}, fmt.Errorf("world to pixel: %w", ErrConversion)
	}
	rx := (w.X - s.RefWorld.X) / s.Increment.X
	ry := (w.Y - s.RefWorld.Y) / s.Increment.Y
	sin, cos := math.Sincos(-s.Rotation * math.Pi / 180)
	return Point{
		X: s.RefPixel.X + rx*cos - ry*sin,
		Y: s.RefPixel.Y + rx*sin + ry*cos,
	}, nil
}

// WorldLengthToPixelLength converts an angular quantity to a pixel length
// along the given axis (0 = x, 1 = y).
func (s *System) WorldLengthToPixelLength(q Quantity, axis int) (float64, error) {
	if !s.Linear() {
		return 0, fmt.Errorf("world length to pixel: %w", ErrConversion)
	}
	if q.Unit == UnitPixel || q.Unit == UnitNone {
		return q.Value, nil
	}
	deg, err := q.Degrees()
	if err != nil {
		return 0, err
	}
	inc := s.Increment.X
	if axis == 1 {
		inc = s.Increment.Y
	}
	return math.Abs(deg / inc), nil
}

// PixelLengthToWorld converts a pixel length along the given axis to an
// angular quantity in arcseconds.
func (s *System) PixelLengthToWorld(length float64, axis int) (Quantity, error) {
	if !s.Linear() {
		return Quantity{}, fmt.Errorf("pixel length to world: %w", ErrConversion)
	}
	inc := s.Increment.X
	if axis == 1 {
		inc = s.Increment.Y
	}
	return Quantity{Value: math.Abs(length * inc * 3600), Unit: UnitArcsec}, nil
}
