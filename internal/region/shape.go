package region

import (
	"math"

	"github.com/astroview/server/internal/coord"
)

// Rect is an axis-aligned bounding box in pixel coordinates.
type Rect struct {
	X0, Y0, X1, Y1 float64
}

// Intersects reports whether the box overlaps an image of the given shape.
func (r Rect) Intersects(shape ImageShape) bool {
	return r.X1 >= 0 && r.Y1 >= 0 && r.X0 < float64(shape.Width) && r.Y0 < float64(shape.Height)
}

// ImageShape is the 2-D extent of one image plane.
type ImageShape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Shape is the geometry capability behind a region type: a bounding box and
// pixel-center membership. Import/export string forms live in the DS9 layer.
type Shape interface {
	BoundingBox() Rect
	Contains(p coord.Point) bool
}

// makeShape builds the Shape for a validated state.
func makeShape(s State) (Shape, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Type {
	case TypePoint:
		return pointShape{p: s.Points[0]}, nil
	case TypeLine, TypePolyline:
		return segmentShape{pts: s.Points}, nil
	case TypeRectangle:
		return rectShape{center: s.Points[0], size: s.Points[1], rotation: s.Rotation}, nil
	case TypeEllipse:
		return ellipseShape{center: s.Points[0], radii: s.Points[1], rotation: s.Rotation}, nil
	case TypePolygon:
		return polygonShape{pts: s.Points}, nil
	case TypeAnnulus:
		return annulusShape{center: s.Points[0], inner: s.Points[1].X, outer: s.Points[1].Y}, nil
	}
	return nil, ErrGeometry
}

type pointShape struct {
	p coord.Point
}

func (s pointShape) BoundingBox() Rect {
	return Rect{X0: s.p.X, Y0: s.p.Y, X1: s.p.X, Y1: s.p.Y}
}

func (s pointShape) Contains(p coord.Point) bool {
	return math.Round(s.p.X) == p.X && math.Round(s.p.Y) == p.Y
}

// rotateInto maps p into a frame centered on c and rotated by -deg, so that
// rotated shapes test membership against their unrotated form.
func rotateInto(p, c coord.Point, deg float64) (float64, float64) {
	dx := p.X - c.X
	dy := p.Y - c.Y
	if deg == 0 {
		return dx, dy
	}
	sin, cos := math.Sincos(-deg * math.Pi / 180)
	return dx*cos - dy*sin, dx*sin + dy*cos
}

type rectShape struct {
	center   coord.Point
	size     coord.Point // full width, full height
	rotation float64
}

func (s rectShape) BoundingBox() Rect {
	hw, hh := s.size.X/2, s.size.Y/2
	if s.rotation == 0 {
		return Rect{X0: s.center.X - hw, Y0: s.center.Y - hh, X1: s.center.X + hw, Y1: s.center.Y + hh}
	}
	sin, cos := math.Sincos(s.rotation * math.Pi / 180)
	ex := math.Abs(hw*cos) + math.Abs(hh*sin)
	ey := math.Abs(hw*sin) + math.Abs(hh*cos)
	return Rect{X0: s.center.X - ex, Y0: s.center.Y - ey, X1: s.center.X + ex, Y1: s.center.Y + ey}
}

func (s rectShape) Contains(p coord.Point) bool {
	dx, dy := rotateInto(p, s.center, s.rotation)
	return math.Abs(dx) <= s.size.X/2 && math.Abs(dy) <= s.size.Y/2
}

type ellipseShape struct {
	center   coord.Point
	radii    coord.Point // semi-axes along x and y before rotation
	rotation float64
}

func (s ellipseShape) BoundingBox() Rect {
	rx, ry := s.radii.X, s.radii.Y
	if s.rotation != 0 {
		sin, cos := math.Sincos(s.rotation * math.Pi / 180)
		rx = math.Sqrt(s.radii.X*s.radii.X*cos*cos + s.radii.Y*s.radii.Y*sin*sin)
		ry = math.Sqrt(s.radii.X*s.radii.X*sin*sin + s.radii.Y*s.radii.Y*cos*cos)
	}
	return Rect{X0: s.center.X - rx, Y0: s.center.Y - ry, X1: s.center.X + rx, Y1: s.center.Y + ry}
}

func (s ellipseShape) Contains(p coord.Point) bool {
	dx, dy := rotateInto(p, s.center, s.rotation)
	nx := dx / s.radii.X
	ny := dy / s.radii.Y
	return nx*nx+ny*ny <= 1
}

type annulusShape struct {
	center coord.Point
	inner  float64
	outer  float64
}

func (s annulusShape) BoundingBox() Rect {
	return Rect{X0: s.center.X - s.outer, Y0: s.center.Y - s.outer, X1: s.center.X + s.outer, Y1: s.center.Y + s.outer}
}

func (s annulusShape) Contains(p coord.Point) bool {
	dx := p.X - s.center.X
	dy := p.Y - s.center.Y
	d2 := dx*dx + dy*dy
	return d2 >= s.inner*s.inner && d2 <= s.outer*s.outer
}

type polygonShape struct {
	pts []coord.Point
}

func (s polygonShape) BoundingBox() Rect {
	r := Rect{X0: s.pts[0].X, Y0: s.pts[0].Y, X1: s.pts[0].X, Y1: s.pts[0].Y}
	for _, p := range s.pts[1:] {
		r.X0 = math.Min(r.X0, p.X)
		r.Y0 = math.Min(r.Y0, p.Y)
		r.X1 = math.Max(r.X1, p.X)
		r.Y1 = math.Max(r.Y1, p.Y)
	}
	return r
}

// Contains uses even-odd ray casting against the closed vertex loop.
func (s polygonShape) Contains(p coord.Point) bool {
	inside := false
	n := len(s.pts)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := s.pts[i], s.pts[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			x := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < x {
				inside = !inside
			}
		}
	}
	return inside
}

type segmentShape struct {
	pts []coord.Point
}

func (s segmentShape) BoundingBox() Rect {
	r := Rect{X0: s.pts[0].X, Y0: s.pts[0].Y, X1: s.pts[0].X, Y1: s.pts[0].Y}
	for _, p := range s.pts[1:] {
		r.X0 = math.Min(r.X0, p.X)
		r.Y0 = math.Min(r.Y0, p.Y)
		r.X1 = math.Max(r.X1, p.X)
		r.Y1 = math.Max(r.Y1, p.Y)
	}
	return r
}

// Contains marks pixels whose centers lie within half a pixel of a segment.
func (s segmentShape) Contains(p coord.Point) bool {
	for i := 0; i+1 < len(s.pts); i++ {
		if distToSegment(p, s.pts[i], s.pts[i+1]) <= 0.5 {
			return true
		}
	}
	return false
}

func distToSegment(p, a, b coord.Point) float64 {
	abx, aby := b.X-a.X, b.Y-a.Y
	apx, apy := p.X-a.X, p.Y-a.Y
	len2 := abx*abx + aby*aby
	t := 0.0
	if len2 > 0 {
		t = (apx*abx + apy*aby) / len2
		t = math.Max(0, math.Min(1, t))
	}
	dx := p.X - (a.X + t*abx)
	dy := p.Y - (a.Y + t*aby)
	return math.Hypot(dx, dy)
}
