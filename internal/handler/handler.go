// Package handler coordinates regions, requirements, and cached
// analysis results across open files. It is the registry the transport
// layer calls into for region CRUD and fill requests.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/astroview/server/internal/cache"
	"github.com/astroview/server/internal/data/cubestore"
	"github.com/astroview/server/internal/region"
	"github.com/astroview/server/internal/stats"
)

// ErrDataUnavailable indicates the requested file or plane is not
// loaded. Fill operations translate it into an empty result with a
// warning where partial delivery is possible.
var ErrDataUnavailable = errors.New("requested data is not loaded")

// reqKey addresses one region's requirements on one file.
type reqKey struct {
	FileID   int
	RegionID int
}

// HistogramConfig is one histogram requirement. Zero NumBins selects an
// automatic bin count; NaN bounds are computed from the data.
type HistogramConfig struct {
	Channel int     `json:"channel"`
	Stokes  int     `json:"stokes"`
	NumBins int     `json:"num_bins"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Handler is the central region registry. All methods are safe for
// concurrent use; region geometry mutation locks only the region
// involved.
type Handler struct {
	mu          sync.RWMutex
	files       map[int]cubestore.Source
	regions     map[int]*region.Region
	statsReqs   map[reqKey][]stats.Type
	histReqs    map[reqKey][]HistogramConfig
	subscribers []func(regionID int)

	statsCache *cache.ResultCache[stats.Result]
	histCache  *cache.ResultCache[stats.Histogram]
	slices     *cache.Manager

	histComputations atomic.Int64
}

// New creates a handler. The cache manager is optional; without it
// every fill re-reads its plane from the source.
func New(slices *cache.Manager) *Handler {
	return &Handler{
		files:      make(map[int]cubestore.Source),
		regions:    make(map[int]*region.Region),
		statsReqs:  make(map[reqKey][]stats.Type),
		histReqs:   make(map[reqKey][]HistogramConfig),
		statsCache: cache.NewResultCache[stats.Result](),
		histCache:  cache.NewResultCache[stats.Histogram](),
		slices:     slices,
	}
}

// AddFile registers an open file under fileID, replacing any previous
// source with that id.
func (h *Handler) AddFile(fileID int, src cubestore.Source) {
	h.mu.Lock()
	h.files[fileID] = src
	h.mu.Unlock()
	h.statsCache.InvalidateFile(fileID)
	h.histCache.InvalidateFile(fileID)
}

// RemoveFile closes and forgets a file. Regions defined on it stay
// registered but their fills report data unavailable.
func (h *Handler) RemoveFile(fileID int) {
	h.mu.Lock()
	src, ok := h.files[fileID]
	delete(h.files, fileID)
	for key := range h.statsReqs {
		if key.FileID == fileID {
			delete(h.statsReqs, key)
		}
	}
	for key := range h.histReqs {
		if key.FileID == fileID {
			delete(h.histReqs, key)
		}
	}
	h.mu.Unlock()

	if ok {
		if err := src.Close(); err != nil {
			log.Printf("[RegionHandler] close file %d: %v", fileID, err)
		}
	}
	h.statsCache.InvalidateFile(fileID)
	h.histCache.InvalidateFile(fileID)
}

// File returns the source registered under fileID.
func (h *Handler) File(fileID int) (cubestore.Source, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	src, ok := h.files[fileID]
	return src, ok
}

// Subscribe registers a callback fired after a region's geometry
// changes or the region is removed.
func (h *Handler) Subscribe(fn func(regionID int)) {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.mu.Unlock()
}

func (h *Handler) notify(regionID int) {
	h.mu.RLock()
	subs := make([]func(int), len(h.subscribers))
	copy(subs, h.subscribers)
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(regionID)
	}
}

// SetRegion creates or updates a region. It reports whether the
// geometry changed; structurally invalid geometry returns an error and
// leaves the region marked invalid.
func (h *Handler) SetRegion(regionID int, state region.State) (bool, error) {
	h.mu.Lock()
	r, ok := h.regions[regionID]
	h.mu.Unlock()

	if !ok {
		r, err := region.New(regionID, state)
		if err != nil {
			log.Printf("[RegionHandler] create region %d: %v", regionID, err)
			return false, err
		}
		h.mu.Lock()
		h.regions[regionID] = r
		h.mu.Unlock()
		h.notify(regionID)
		return true, nil
	}

	changed, err := r.SetGeometry(state)
	if err != nil {
		log.Printf("[RegionHandler] set region %d: %v", regionID, err)
		return false, err
	}
	if changed {
		h.statsCache.Invalidate(regionID)
		h.histCache.Invalidate(regionID)
		h.notify(regionID)
	}
	return changed, nil
}

// RemoveRegion deletes a region, its requirements on every file, and
// its cached results. Removing an unknown id is a no-op.
func (h *Handler) RemoveRegion(regionID int) {
	h.mu.Lock()
	r, ok := h.regions[regionID]
	delete(h.regions, regionID)
	for key := range h.statsReqs {
		if key.RegionID == regionID {
			delete(h.statsReqs, key)
		}
	}
	for key := range h.histReqs {
		if key.RegionID == regionID {
			delete(h.histReqs, key)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	r.Delete()
	h.statsCache.Invalidate(regionID)
	h.histCache.Invalidate(regionID)
	h.notify(regionID)
}

// Region returns the region registered under regionID.
func (h *Handler) Region(regionID int) (*region.Region, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.regions[regionID]
	return r, ok
}

// Regions returns all registered regions ordered by id.
func (h *Handler) Regions() []*region.Region {
	h.mu.RLock()
	out := make([]*region.Region, 0, len(h.regions))
	for _, r := range h.regions {
		out = append(out, r)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// NextRegionID returns the smallest positive id not in use. Used when
// the caller imports regions without ids of its own.
func (h *Handler) NextRegionID() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	next := 1
	for id := range h.regions {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// SetStatsRequirements replaces the statistics requirement set for a
// region on a file. An empty set deletes the entry.
func (h *Handler) SetStatsRequirements(fileID, regionID int, types []stats.Type) {
	key := reqKey{FileID: fileID, RegionID: regionID}
	h.mu.Lock()
	if len(types) == 0 {
		delete(h.statsReqs, key)
	} else {
		h.statsReqs[key] = append([]stats.Type(nil), types...)
	}
	h.mu.Unlock()
	h.statsCache.Invalidate(regionID)
}

// SetHistogramRequirements replaces the histogram requirement set for a
// region on a file.
func (h *Handler) SetHistogramRequirements(fileID, regionID int, configs []HistogramConfig) {
	key := reqKey{FileID: fileID, RegionID: regionID}
	h.mu.Lock()
	if len(configs) == 0 {
		delete(h.histReqs, key)
	} else {
		h.histReqs[key] = append([]HistogramConfig(nil), configs...)
	}
	h.mu.Unlock()
	h.histCache.Invalidate(regionID)
}

// FillStatsData computes the requested statistics for a region on one
// plane. With no requirements set it returns the None sentinel rather
// than failing. An invalid or out-of-image region yields NaN statistics
// plus a warning.
func (h *Handler) FillStatsData(ctx context.Context, regionID, fileID, channel, stokes int) (stats.Result, error) {
	h.mu.RLock()
	types, hasReqs := h.statsReqs[reqKey{FileID: fileID, RegionID: regionID}]
	r, hasRegion := h.regions[regionID]
	src, hasFile := h.files[fileID]
	h.mu.RUnlock()

	if !hasReqs {
		return stats.Result{Values: []stats.Value{{Type: stats.None}}}, nil
	}
	if !hasRegion {
		return stats.Result{}, fmt.Errorf("region %d not found", regionID)
	}
	if !hasFile {
		return stats.Result{}, fmt.Errorf("file %d: %w", fileID, ErrDataUnavailable)
	}

	key := cache.ResultKey{RegionID: regionID, FileID: fileID, Channel: channel, Stokes: stokes}
	return h.statsCache.GetOrCompute(ctx, key, func(ctx context.Context) (stats.Result, error) {
		shape := src.Shape()
		mask, maskErr := r.MaskFor(fileID, region.ImageShape{Width: shape.Width, Height: shape.Height})
		if maskErr != nil {
			return emptyStats(types, fmt.Sprintf("region %d does not intersect image: statistics unavailable", regionID)), nil
		}

		plane, err := h.loadPlane(ctx, src, channel, stokes)
		if err != nil {
			return stats.Result{}, err
		}
		return stats.Compute(ctx, plane, shape.Width, shape.Height, mask, types)
	})
}

// FillHistogram computes or reuses a histogram for a region on one
// plane. Unset bounds are derived from the masked data; a zero bin
// count selects the automatic bin count for the image.
func (h *Handler) FillHistogram(ctx context.Context, regionID, fileID int, cfg HistogramConfig) (stats.Histogram, error) {
	h.mu.RLock()
	r, hasRegion := h.regions[regionID]
	src, hasFile := h.files[fileID]
	h.mu.RUnlock()

	if !hasRegion {
		return stats.Histogram{}, fmt.Errorf("region %d not found", regionID)
	}
	if !hasFile {
		return stats.Histogram{}, fmt.Errorf("file %d: %w", fileID, ErrDataUnavailable)
	}

	shape := src.Shape()
	numBins := cfg.NumBins
	if numBins <= 0 {
		numBins = stats.DefaultNumBins(shape.Width, shape.Height)
	}

	// Automatic bounds depend on the current geometry, so they are
	// resolved inside the compute function: the mask and data range must
	// be read under the cache entry's generation, never before it.
	auto := math.IsNaN(cfg.Min) || math.IsNaN(cfg.Max) || (cfg.Min == 0 && cfg.Max == 0)
	key := cache.ResultKey{
		RegionID: regionID, FileID: fileID,
		Channel: cfg.Channel, Stokes: cfg.Stokes,
		NumBins: numBins,
	}
	if !auto {
		key.Min, key.Max = cfg.Min, cfg.Max
	} else {
		key.AutoBounds = true
	}

	hist, err := h.histCache.GetOrCompute(ctx, key, func(ctx context.Context) (stats.Histogram, error) {
		h.histComputations.Add(1)
		mask, err := r.MaskFor(fileID, region.ImageShape{Width: shape.Width, Height: shape.Height})
		if err != nil {
			return stats.Histogram{}, fmt.Errorf("region %d: %w", regionID, err)
		}
		plane, err := h.loadPlane(ctx, src, cfg.Channel, cfg.Stokes)
		if err != nil {
			return stats.Histogram{}, err
		}

		min, max := cfg.Min, cfg.Max
		if auto {
			min, max, _, err = stats.MinMax(ctx, plane, shape.Width, shape.Height, mask)
			if err != nil {
				return stats.Histogram{}, err
			}
			if math.IsNaN(min) {
				// No finite samples; report an empty histogram over [0, 0].
				min, max = 0, 0
			}
		}
		return stats.ComputeHistogram(ctx, plane, shape.Width, shape.Height, mask, numBins, min, max)
	})
	if err != nil {
		return stats.Histogram{}, err
	}
	if hist.NumBins != numBins {
		return stats.Histogram{}, fmt.Errorf("histogram for region %d has %d bins, key requested %d: %w",
			regionID, hist.NumBins, numBins, cache.ErrConsistency)
	}
	return hist, nil
}

// SpatialProfile is one axis cut through a region's reference point.
type SpatialProfile struct {
	Axis   string    `json:"axis"`
	X      int       `json:"x"`
	Y      int       `json:"y"`
	Values []float32 `json:"values"`
}

// FillSpatialProfile extracts the full row or column passing through
// the region's reference point on one plane. Axis "x" walks the row at
// the point's y; axis "y" walks the column at its x. The reference
// point is resolved on the target file's grid when a match exists.
func (h *Handler) FillSpatialProfile(ctx context.Context, regionID, fileID, channel, stokes int, axis string) (SpatialProfile, error) {
	if axis != "x" && axis != "y" {
		return SpatialProfile{}, fmt.Errorf("unknown profile axis %q", axis)
	}
	h.mu.RLock()
	r, hasRegion := h.regions[regionID]
	src, hasFile := h.files[fileID]
	h.mu.RUnlock()
	if !hasRegion {
		return SpatialProfile{}, fmt.Errorf("region %d not found", regionID)
	}
	if !hasFile {
		return SpatialProfile{}, fmt.Errorf("file %d: %w", fileID, ErrDataUnavailable)
	}

	st, ok := r.MatchedState(fileID)
	if !ok {
		st = r.State()
	}
	shape := src.Shape()
	cx := int(math.Round(st.Points[0].X))
	cy := int(math.Round(st.Points[0].Y))
	if cx < 0 || cx >= shape.Width || cy < 0 || cy >= shape.Height {
		return SpatialProfile{}, fmt.Errorf("%w: region %d reference point (%d,%d) outside image %dx%d",
			region.ErrGeometry, regionID, cx, cy, shape.Width, shape.Height)
	}

	plane, err := h.loadPlane(ctx, src, channel, stokes)
	if err != nil {
		return SpatialProfile{}, err
	}

	prof := SpatialProfile{Axis: axis, X: cx, Y: cy}
	if axis == "x" {
		prof.Values = append([]float32(nil), plane[cy*shape.Width:(cy+1)*shape.Width]...)
	} else {
		prof.Values = make([]float32, shape.Height)
		for y := 0; y < shape.Height; y++ {
			prof.Values[y] = plane[y*shape.Width+cx]
		}
	}
	return prof, nil
}

// SpectralProfile is the per-channel mean of a region at one stokes.
type SpectralProfile struct {
	Stokes int       `json:"stokes"`
	Values []float64 `json:"values"`
}

// FillSpectralProfile computes the masked mean of a region on every
// channel of a file. A channel with no samples under the mask yields
// NaN for that position.
func (h *Handler) FillSpectralProfile(ctx context.Context, regionID, fileID, stokes int) (SpectralProfile, error) {
	h.mu.RLock()
	r, hasRegion := h.regions[regionID]
	src, hasFile := h.files[fileID]
	h.mu.RUnlock()
	if !hasRegion {
		return SpectralProfile{}, fmt.Errorf("region %d not found", regionID)
	}
	if !hasFile {
		return SpectralProfile{}, fmt.Errorf("file %d: %w", fileID, ErrDataUnavailable)
	}

	shape := src.Shape()
	mask, err := r.MaskFor(fileID, region.ImageShape{Width: shape.Width, Height: shape.Height})
	if err != nil {
		return SpectralProfile{}, fmt.Errorf("region %d: %w", regionID, err)
	}

	prof := SpectralProfile{Stokes: stokes, Values: make([]float64, shape.Channels)}
	for ch := 0; ch < shape.Channels; ch++ {
		if err := ctx.Err(); err != nil {
			return SpectralProfile{}, err
		}
		plane, err := h.loadPlane(ctx, src, ch, stokes)
		if err != nil {
			return SpectralProfile{}, err
		}
		res, err := stats.Compute(ctx, plane, shape.Width, shape.Height, mask, []stats.Type{stats.Mean})
		if err != nil {
			return SpectralProfile{}, err
		}
		prof.Values[ch] = res.Values[0].Scalar
	}
	return prof, nil
}

// MatchRegion transforms a region's geometry from its defining file to
// targetFileID. A conversion failure marks the pair unsupported without
// touching the region's status on its own image.
func (h *Handler) MatchRegion(regionID, targetFileID int) error {
	h.mu.RLock()
	r, hasRegion := h.regions[regionID]
	h.mu.RUnlock()
	if !hasRegion {
		return fmt.Errorf("region %d not found", regionID)
	}

	srcFileID := r.State().FileID
	h.mu.RLock()
	src, hasSrc := h.files[srcFileID]
	dst, hasDst := h.files[targetFileID]
	h.mu.RUnlock()
	if !hasSrc {
		return fmt.Errorf("file %d: %w", srcFileID, ErrDataUnavailable)
	}
	if !hasDst {
		return fmt.Errorf("file %d: %w", targetFileID, ErrDataUnavailable)
	}

	if err := r.MatchTo(targetFileID, src.WCS(), dst.WCS()); err != nil {
		log.Printf("[RegionHandler] match region %d to file %d: %v", regionID, targetFileID, err)
		return err
	}
	return nil
}

// StatsRequirements returns the active statistics requirement set.
func (h *Handler) StatsRequirements(fileID, regionID int) []stats.Type {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statsReqs[reqKey{FileID: fileID, RegionID: regionID}]
}

// HistogramRequirements returns the active histogram requirement set.
func (h *Handler) HistogramRequirements(fileID, regionID int) []HistogramConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.histReqs[reqKey{FileID: fileID, RegionID: regionID}]
}

// Plane reads one channel/stokes plane of an open file through the
// slice cache, returning the data and its dimensions.
func (h *Handler) Plane(ctx context.Context, fileID, channel, stokes int) ([]float32, int, int, error) {
	h.mu.RLock()
	src, ok := h.files[fileID]
	h.mu.RUnlock()
	if !ok {
		return nil, 0, 0, fmt.Errorf("file %d: %w", fileID, ErrDataUnavailable)
	}
	plane, err := h.loadPlane(ctx, src, channel, stokes)
	if err != nil {
		return nil, 0, 0, err
	}
	shape := src.Shape()
	return plane, shape.Width, shape.Height, nil
}

// loadPlane reads one channel/stokes plane, consulting the slice cache
// when one is configured. Cache entries are keyed by dataset name so
// sessions opening the same dataset share planes.
func (h *Handler) loadPlane(ctx context.Context, src cubestore.Source, channel, stokes int) ([]float32, error) {
	if h.slices == nil {
		return src.ReadSlice(ctx, channel, stokes)
	}
	key := cache.SliceKey(src.Name(), channel, stokes)
	if plane, ok := h.slices.GetSlice(key); ok {
		return plane, nil
	}
	plane, err := src.ReadSlice(ctx, channel, stokes)
	if err != nil {
		return nil, err
	}
	h.slices.SetSlice(key, plane)
	return plane, nil
}

// emptyStats builds NaN-valued results for every requested type with
// one shared warning.
func emptyStats(types []stats.Type, warning string) stats.Result {
	res := stats.Result{
		Values:   make([]stats.Value, 0, len(types)),
		Warnings: []string{warning},
	}
	for _, t := range types {
		res.Values = append(res.Values, stats.Value{Type: t, Scalar: math.NaN()})
	}
	return res
}
