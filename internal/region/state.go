// Package region implements user-defined geometric selections on image
// planes: typed control-point geometry, pixel-mask derivation, matching
// across images, and DS9 text import/export.
package region

import (
	"errors"
	"fmt"

	"github.com/astroview/server/internal/coord"
)

// ErrGeometry indicates malformed or degenerate region geometry. The region
// is recoverable: it is marked invalid and reported to the caller.
var ErrGeometry = errors.New("invalid region geometry")

// Type enumerates the supported region geometries.
type Type int

const (
	TypePoint Type = iota
	TypeLine
	TypePolyline
	TypeRectangle
	TypeEllipse
	TypePolygon
	TypeAnnulus
)

func (t Type) String() string {
	switch t {
	case TypePoint:
		return "point"
	case TypeLine:
		return "line"
	case TypePolyline:
		return "polyline"
	case TypeRectangle:
		return "rectangle"
	case TypeEllipse:
		return "ellipse"
	case TypePolygon:
		return "polygon"
	case TypeAnnulus:
		return "annulus"
	default:
		return "unknown"
	}
}

// ParseType maps a geometry name back to its Type.
func ParseType(name string) (Type, bool) {
	for t := TypePoint; t <= TypeAnnulus; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return TypePoint, false
}

// State is a snapshot of a region's geometry: type, control points in pixel
// units and rotation in degrees counter-clockwise from the pixel x-axis.
// States are compared for equality to detect geometry changes; they are
// mutated only by explicit set-region operations.
type State struct {
	FileID   int           `json:"file_id"`
	Name     string        `json:"name,omitempty"`
	Type     Type          `json:"type"`
	Points   []coord.Point `json:"points"`
	Rotation float64       `json:"rotation"`
}

// Equal reports whether two states describe identical geometry.
func (s State) Equal(o State) bool {
	if s.FileID != o.FileID || s.Type != o.Type || s.Rotation != o.Rotation {
		return false
	}
	if len(s.Points) != len(o.Points) {
		return false
	}
	for i := range s.Points {
		if s.Points[i] != o.Points[i] {
			return false
		}
	}
	return true
}

// Validate checks the type-specific control point contract: Point has one
// point, Rectangle/Ellipse/Annulus have [center, size], Polygon at least
// three vertices. Degenerate sizes are geometry errors.
func (s State) Validate() error {
	switch s.Type {
	case TypePoint:
		if len(s.Points) != 1 {
			return fmt.Errorf("%w: point needs 1 control point, got %d", ErrGeometry, len(s.Points))
		}
	case TypeLine:
		if len(s.Points) != 2 {
			return fmt.Errorf("%w: line needs 2 control points, got %d", ErrGeometry, len(s.Points))
		}
	case TypePolyline:
		if len(s.Points) < 2 {
			return fmt.Errorf("%w: polyline needs at least 2 control points, got %d", ErrGeometry, len(s.Points))
		}
	case TypeRectangle:
		if len(s.Points) != 2 {
			return fmt.Errorf("%w: rectangle needs [center, size], got %d points", ErrGeometry, len(s.Points))
		}
		if s.Points[1].X <= 0 || s.Points[1].Y <= 0 {
			return fmt.Errorf("%w: rectangle has zero or negative size", ErrGeometry)
		}
	case TypeEllipse:
		if len(s.Points) != 2 {
			return fmt.Errorf("%w: ellipse needs [center, radii], got %d points", ErrGeometry, len(s.Points))
		}
		if s.Points[1].X <= 0 || s.Points[1].Y <= 0 {
			return fmt.Errorf("%w: ellipse has zero-size radius", ErrGeometry)
		}
	case TypePolygon:
		if len(s.Points) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 vertices, got %d", ErrGeometry, len(s.Points))
		}
	case TypeAnnulus:
		if len(s.Points) != 2 {
			return fmt.Errorf("%w: annulus needs [center, radii], got %d points", ErrGeometry, len(s.Points))
		}
		if s.Points[1].X < 0 || s.Points[1].Y <= s.Points[1].X {
			return fmt.Errorf("%w: annulus needs 0 <= inner < outer radius", ErrGeometry)
		}
	default:
		return fmt.Errorf("%w: unknown region type %d", ErrGeometry, s.Type)
	}
	return nil
}
