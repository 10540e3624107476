package region

import (
	"fmt"
	"math"
	"sync"

	"github.com/astroview/server/internal/coord"
)

// Status is the region lifecycle state.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Mask is a boolean pixel mask covering the clipped bounding box of a region
// inside one image plane. It is derived, never persisted: recomputed from
// geometry and the target image shape whenever either changes.
type Mask struct {
	X0, Y0        int // origin of the mask inside the image
	Width, Height int
	Bits          []bool
	Count         int // number of set pixels
}

// At reports mask membership at image pixel (x, y).
func (m *Mask) At(x, y int) bool {
	lx, ly := x-m.X0, y-m.Y0
	if lx < 0 || ly < 0 || lx >= m.Width || ly >= m.Height {
		return false
	}
	return m.Bits[ly*m.Width+lx]
}

// Region owns one user-defined selection: its geometry, lifecycle status,
// matches to other images, and a single-slot memo of the last computed mask.
// Mutation requires the region's own lock; unrelated regions never contend.
type Region struct {
	mu sync.RWMutex

	id     int
	state  State
	shape  Shape
	status Status

	// Matched geometry per target file. A failed match is recorded so the
	// pair is excluded silently instead of retried or failing the session.
	matched     map[int]State
	failedMatch map[int]bool

	// Single-slot mask memo, keyed on target file and image shape.
	maskFileID int
	maskShape  ImageShape
	mask       *Mask
}

// New creates a region with validated geometry.
func New(id int, state State) (*Region, error) {
	shape, err := makeShape(state)
	if err != nil {
		return nil, err
	}
	return &Region{
		id:          id,
		state:       state,
		shape:       shape,
		status:      StatusValid,
		matched:     make(map[int]State),
		failedMatch: make(map[int]bool),
	}, nil
}

// ID returns the region id.
func (r *Region) ID() int { return r.id }

// State returns a snapshot of the current geometry.
func (r *Region) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state
	s.Points = append([]coord.Point(nil), r.state.Points...)
	return s
}

// Status returns the lifecycle status.
func (r *Region) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// IsValid reports whether the region can produce masks and statistics.
func (r *Region) IsValid() bool {
	return r.Status() == StatusValid
}

// SetGeometry replaces the region's geometry. It returns true when the
// geometry actually changed. Invalid geometry leaves the previous state,
// status, and mask in place and returns an error; a deleted region cannot be
// mutated. Matches and the mask memo are dropped on change, and the caller is
// responsible for evicting dependent cache entries.
func (r *Region) SetGeometry(state State) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusDeleted {
		return false, fmt.Errorf("region %d is deleted", r.id)
	}
	if r.state.Equal(state) {
		return false, nil
	}
	shape, err := makeShape(state)
	if err != nil {
		return false, err
	}
	r.state = state
	r.shape = shape
	r.status = StatusValid
	r.mask = nil
	r.matched = make(map[int]State)
	r.failedMatch = make(map[int]bool)
	return true, nil
}

// Delete moves the region to its terminal state.
func (r *Region) Delete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusDeleted
	r.mask = nil
}

// GetPixelMask derives the boolean mask of the region on its defining image,
// clipped to the given image shape. A bounding box that misses the image
// entirely marks the region invalid.
func (r *Region) GetPixelMask(shape ImageShape) (*Mask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maskLocked(r.state.FileID, shape)
}

// MaskFor derives the region's mask on the given file's pixel grid. For the
// defining file this is the region's own geometry; for a matched file it is
// the transformed geometry. A file whose match failed produces an error; a
// file that was never matched falls back to the defining geometry.
func (r *Region) MaskFor(fileID int, shape ImageShape) (*Mask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maskLocked(fileID, shape)
}

// maskLocked resolves the geometry for fileID, rasterizes the mask, and
// memoizes one (file, shape) result. Caller holds r.mu.
func (r *Region) maskLocked(fileID int, shape ImageShape) (*Mask, error) {
	if r.status == StatusDeleted {
		return nil, fmt.Errorf("region %d is deleted", r.id)
	}
	if r.mask != nil && r.maskFileID == fileID && r.maskShape == shape {
		return r.mask, nil
	}

	geom := r.shape
	defining := fileID == r.state.FileID
	if !defining {
		if r.failedMatch[fileID] {
			return nil, fmt.Errorf("%w: region %d has no usable transform to file %d",
				coord.ErrConversion, r.id, fileID)
		}
		if st, ok := r.matched[fileID]; ok {
			s, err := makeShape(st)
			if err != nil {
				return nil, err
			}
			geom = s
		}
	}

	bbox := geom.BoundingBox()
	if !bbox.Intersects(shape) {
		if defining {
			r.status = StatusInvalid
		}
		return nil, fmt.Errorf("%w: region %d bounding box outside image %dx%d",
			ErrGeometry, r.id, shape.Width, shape.Height)
	}
	if defining {
		r.status = StatusValid
	}

	x0 := clampInt(int(math.Floor(bbox.X0)), 0, shape.Width-1)
	y0 := clampInt(int(math.Floor(bbox.Y0)), 0, shape.Height-1)
	x1 := clampInt(int(math.Ceil(bbox.X1)), 0, shape.Width-1)
	y1 := clampInt(int(math.Ceil(bbox.Y1)), 0, shape.Height-1)

	m := &Mask{
		X0:     x0,
		Y0:     y0,
		Width:  x1 - x0 + 1,
		Height: y1 - y0 + 1,
	}
	m.Bits = make([]bool, m.Width*m.Height)
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if geom.Contains(coord.Point{X: float64(x), Y: float64(y)}) {
				m.Bits[(y-y0)*m.Width+(x-x0)] = true
				m.Count++
			}
		}
	}

	r.mask = m
	r.maskFileID = fileID
	r.maskShape = shape
	return m, nil
}

// MatchTo transforms the region's control points from its defining image's
// coordinate system into the target image's pixel frame and stores the
// result. A conversion failure marks the pair unsupported without touching
// the region's status on its own image.
func (r *Region) MatchTo(targetFileID int, src, dst *coord.System) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status == StatusDeleted {
		return fmt.Errorf("region %d is deleted", r.id)
	}
	// Any outcome changes what MaskFor would produce for this file.
	if r.maskFileID == targetFileID {
		r.mask = nil
	}

	points := make([]coord.Point, len(r.state.Points))
	for i, p := range r.state.Points {
		// Size/radius control points are lengths, not positions.
		if i == 1 && (r.state.Type == TypeRectangle || r.state.Type == TypeEllipse || r.state.Type == TypeAnnulus) {
			qx, err := src.PixelLengthToWorld(p.X, 0)
			if err != nil {
				r.failedMatch[targetFileID] = true
				return err
			}
			qy, err := src.PixelLengthToWorld(p.Y, 1)
			if err != nil {
				r.failedMatch[targetFileID] = true
				return err
			}
			px, err := dst.WorldLengthToPixelLength(qx, 0)
			if err != nil {
				r.failedMatch[targetFileID] = true
				return err
			}
			py, err := dst.WorldLengthToPixelLength(qy, 1)
			if err != nil {
				r.failedMatch[targetFileID] = true
				return err
			}
			points[i] = coord.Point{X: px, Y: py}
			continue
		}
		w, err := src.PixelToWorld(p)
		if err != nil {
			r.failedMatch[targetFileID] = true
			return err
		}
		t, err := dst.WorldToPixel(w)
		if err != nil {
			r.failedMatch[targetFileID] = true
			return err
		}
		points[i] = t
	}

	matched := r.state
	matched.FileID = targetFileID
	matched.Points = points
	if err := matched.Validate(); err != nil {
		r.failedMatch[targetFileID] = true
		return err
	}
	r.matched[targetFileID] = matched
	delete(r.failedMatch, targetFileID)
	return nil
}

// MatchedState returns the geometry transformed to the given file, if a
// successful match exists. The defining file's own state is always matched.
func (r *Region) MatchedState(fileID int) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fileID == r.state.FileID {
		return r.state, true
	}
	s, ok := r.matched[fileID]
	return s, ok
}

// MatchFailed reports whether a match to the given file was attempted and
// found unsupported.
func (r *Region) MatchFailed(fileID int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failedMatch[fileID]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
