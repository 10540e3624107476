package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/astroview/server/internal/cache"
	"github.com/astroview/server/internal/coord"
	"github.com/astroview/server/internal/data/cubestore"
	"github.com/astroview/server/internal/handler"
	"github.com/astroview/server/internal/jobstore"
	"github.com/astroview/server/internal/region"
	"github.com/astroview/server/internal/session"
	"github.com/astroview/server/internal/stats"
	"github.com/astroview/server/internal/tile"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry     *Registry
	Sessions     *session.Manager
	Cache        *cache.Manager
	Tiles        *tile.Pipeline
	TileDefaults tile.Config
	JobManager   *JobManager
	CORSOrigins  []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not session-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Session lifecycle
	r.Post("/api/sessions", createSessionHandler(cfg.Sessions))
	r.Delete("/api/sessions/{session_id}", closeSessionHandler(cfg.Sessions))

	// Global histogram job endpoints (not session-scoped)
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", jobSubmitHandler(cfg.JobManager, cfg.Registry))
		r.Get("/", jobListHandler(cfg.JobManager))
		r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/result", jobResultHandler(cfg.JobManager))
		r.Delete("/{job_id}", jobCancelHandler(cfg.JobManager))
	})

	// Session-scoped routes: /s/{session_id}/...
	r.Route("/s/{session_id}", func(r chi.Router) {
		r.Use(sessionMiddleware(cfg.Sessions))

		// Tile endpoint
		r.Get("/tiles/{file_id}/{channel}/{stokes}/{layer}/{x}/{y}", tileRequestHandler(cfg))

		// API endpoints
		r.Route("/api", func(r chi.Router) {
			r.Post("/files/open", openFileHandler(cfg.Registry))
			r.Delete("/files/{file_id}", closeFileHandler)

			r.Put("/regions/{region_id}", setRegionHandler)
			r.Delete("/regions/{region_id}", removeRegionHandler)
			r.Post("/regions/{region_id}/match/{file_id}", matchRegionHandler)

			r.Post("/files/{file_id}/regions/import", importRegionsHandler)
			r.Get("/files/{file_id}/regions/export", exportRegionsHandler)

			r.Put("/files/{file_id}/regions/{region_id}/stats/requirements", statsRequirementsHandler)
			r.Get("/files/{file_id}/regions/{region_id}/stats", fillStatsHandler)
			r.Put("/files/{file_id}/regions/{region_id}/histogram/requirements", histogramRequirementsHandler)
			r.Get("/files/{file_id}/regions/{region_id}/histogram", fillHistogramHandler)

			r.Get("/files/{file_id}/regions/{region_id}/profiles/spatial", fillSpatialProfileHandler)
			r.Get("/files/{file_id}/regions/{region_id}/profiles/spectral", fillSpectralProfileHandler)
		})
	})

	return r
}

// Context key for the resolved session
type ctxKey string

const sessionKey ctxKey = "session"

// sessionMiddleware resolves the session from the URL, registers the
// request as in-flight work on it, and injects it into context. A
// closed or unknown session is rejected before the handler runs.
func sessionMiddleware(sm *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "session_id")
			sess, ok := sm.Get(sessionID)
			if !ok {
				http.Error(w, "session not found: "+sessionID, http.StatusNotFound)
				return
			}
			done, err := sess.Track()
			if err != nil {
				http.Error(w, "session is closed", http.StatusGone)
				return
			}
			defer done()

			// Closing the session must cancel its in-flight requests.
			ctx, cancel := context.WithCancel(r.Context())
			defer cancel()
			stop := context.AfterFunc(sess.Context(), cancel)
			defer stop()

			ctx = context.WithValue(ctx, sessionKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSession(r *http.Request) *session.Session {
	if sess, ok := r.Context().Value(sessionKey).(*session.Session); ok {
		return sess
	}
	return nil
}

func getHandler(r *http.Request) *handler.Handler {
	if sess := getSession(r); sess != nil {
		return sess.Handler()
	}
	return nil
}

// urlInt parses one integer URL parameter.
func urlInt(r *http.Request, name string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, name))
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

// queryFloat parses a float query parameter; absent or malformed
// values yield NaN, which fill operations treat as "derive from data".
func queryFloat(r *http.Request, name string) float64 {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// jsonFloat maps non-finite values to null so results survive JSON
// encoding.
func jsonFloat(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// fillErrorStatus maps fill operation errors onto HTTP status codes.
func fillErrorStatus(err error) int {
	switch {
	case errors.Is(err, handler.ErrDataUnavailable):
		return http.StatusNotFound
	case strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// Session handlers

func createSessionHandler(sm *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := sm.Create()
		if err != nil {
			http.Error(w, "failed to create session: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": sess.ID(),
			"created_at": sess.Created(),
		})
	}
}

func closeSessionHandler(sm *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		sm.Close(sessionID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": sessionID,
			"closed":     true,
		})
	}
}

// File handlers

// sharedSource wraps a registry-owned source so that closing a file in
// one session does not close the dataset for everyone. The registry
// closes the underlying source at shutdown.
type sharedSource struct {
	cubestore.Source
}

func (sharedSource) Close() error { return nil }

type openFileRequest struct {
	Dataset string `json:"dataset"`
	FileID  int    `json:"file_id"`
}

func openFileHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := getHandler(r)
		if h == nil {
			http.Error(w, "session not available", http.StatusInternalServerError)
			return
		}

		var req openFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.FileID < 0 {
			http.Error(w, "file_id must be non-negative", http.StatusBadRequest)
			return
		}
		src := registry.Get(req.Dataset)
		if src == nil {
			http.Error(w, "dataset not found: "+req.Dataset, http.StatusNotFound)
			return
		}

		h.AddFile(req.FileID, sharedSource{src})

		shape := src.Shape()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"file_id":  req.FileID,
			"name":     src.Name(),
			"width":    shape.Width,
			"height":   shape.Height,
			"channels": shape.Channels,
			"stokes":   shape.Stokes,
		})
	}
}

func closeFileHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	h.RemoveFile(fileID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file_id": fileID,
		"closed":  true,
	})
}

// Region handlers

type setRegionRequest struct {
	FileID   int           `json:"file_id"`
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Points   []coord.Point `json:"points"`
	Rotation float64       `json:"rotation"`
}

func setRegionHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil || regionID <= 0 {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}

	var req setRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	regionType, ok := region.ParseType(req.Type)
	if !ok {
		http.Error(w, "unknown region type: "+req.Type, http.StatusBadRequest)
		return
	}

	changed, err := h.SetRegion(regionID, region.State{
		FileID:   req.FileID,
		Name:     req.Name,
		Type:     regionType,
		Points:   req.Points,
		Rotation: req.Rotation,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"region_id": regionID,
		"updated":   changed,
	})
}

func removeRegionHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}
	h.RemoveRegion(regionID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"region_id": regionID,
		"removed":   true,
	})
}

func matchRegionHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}

	if err := h.MatchRegion(regionID, fileID); err != nil {
		http.Error(w, err.Error(), fillErrorStatus(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"region_id": regionID,
		"file_id":   fileID,
		"matched":   true,
	})
}

const maxRegionFileBytes = 10 << 20 // 10 MiB

func importRegionsHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	src, ok := h.File(fileID)
	if !ok {
		http.Error(w, "file not open", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegionFileBytes+1))
	if err != nil {
		http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxRegionFileBytes {
		http.Error(w, "region file too large", http.StatusBadRequest)
		return
	}

	states, importErrors := region.ImportDs9(src.WCS(), fileID, string(body))
	created := make([]map[string]interface{}, 0, len(states))
	for _, state := range states {
		regionID := h.NextRegionID()
		if _, err := h.SetRegion(regionID, state); err != nil {
			importErrors = append(importErrors, err.Error())
			continue
		}
		created = append(created, map[string]interface{}{
			"region_id": regionID,
			"type":      state.Type.String(),
			"name":      state.Name,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"regions": created,
		"errors":  importErrors,
	})
}

func exportRegionsHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	src, ok := h.File(fileID)
	if !ok {
		http.Error(w, "file not open", http.StatusNotFound)
		return
	}

	pixelCoord := strings.TrimSpace(r.URL.Query().Get("coord")) != "world"
	exporter := region.NewDs9Exporter(src.WCS(), pixelCoord)
	for _, reg := range h.Regions() {
		state := reg.State()
		if state.FileID != fileID {
			matched, ok := reg.MatchedState(fileID)
			if !ok {
				continue
			}
			state = matched
		}
		exporter.AddRegion(state)
	}

	lines, err := exporter.Contents()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(strings.Join(lines, "\n") + "\n"))
}

// Requirement handlers

type statsRequirementsRequest struct {
	Stats []string `json:"stats"`
}

func statsRequirementsHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}

	var req statsRequirementsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	types := make([]stats.Type, 0, len(req.Stats))
	for _, name := range req.Stats {
		t, ok := stats.ParseType(name)
		if !ok {
			http.Error(w, "unknown statistic: "+name, http.StatusBadRequest)
			return
		}
		types = append(types, t)
	}

	h.SetStatsRequirements(fileID, regionID, types)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file_id":   fileID,
		"region_id": regionID,
		"count":     len(types),
	})
}

type histogramRequirementsRequest struct {
	Configs []handler.HistogramConfig `json:"configs"`
}

func histogramRequirementsHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}

	var req histogramRequirementsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.SetHistogramRequirements(fileID, regionID, req.Configs)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file_id":   fileID,
		"region_id": regionID,
		"count":     len(req.Configs),
	})
}

// Fill handlers

func fillStatsHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}
	channel := queryInt(r, "channel", 0)
	stokes := queryInt(r, "stokes", 0)

	result, err := h.FillStatsData(r.Context(), regionID, fileID, channel, stokes)
	if err != nil {
		http.Error(w, err.Error(), fillErrorStatus(err))
		return
	}

	values := make([]map[string]interface{}, 0, len(result.Values))
	for _, v := range result.Values {
		switch v.Type {
		case stats.Blc, stats.Trc, stats.MinPos, stats.MaxPos:
			values = append(values, map[string]interface{}{
				"type": v.Type.String(),
				"x":    jsonFloat(v.X),
				"y":    jsonFloat(v.Y),
			})
		default:
			values = append(values, map[string]interface{}{
				"type":  v.Type.String(),
				"value": jsonFloat(v.Scalar),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file_id":   fileID,
		"region_id": regionID,
		"channel":   channel,
		"stokes":    stokes,
		"values":    values,
		"warnings":  result.Warnings,
	})
}

func fillHistogramHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}

	cfg := handler.HistogramConfig{
		Channel: queryInt(r, "channel", 0),
		Stokes:  queryInt(r, "stokes", 0),
		NumBins: queryInt(r, "num_bins", 0),
		Min:     queryFloat(r, "min"),
		Max:     queryFloat(r, "max"),
	}

	hist, err := h.FillHistogram(r.Context(), regionID, fileID, cfg)
	if err != nil {
		http.Error(w, err.Error(), fillErrorStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file_id":   fileID,
		"region_id": regionID,
		"channel":   cfg.Channel,
		"stokes":    cfg.Stokes,
		"histogram": hist,
	})
}

func fillSpatialProfileHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}
	axis := strings.TrimSpace(r.URL.Query().Get("axis"))
	if axis == "" {
		axis = "x"
	}
	if axis != "x" && axis != "y" {
		http.Error(w, "axis must be x or y", http.StatusBadRequest)
		return
	}
	channel := queryInt(r, "channel", 0)
	stokes := queryInt(r, "stokes", 0)

	prof, err := h.FillSpatialProfile(r.Context(), regionID, fileID, channel, stokes, axis)
	if err != nil {
		if errors.Is(err, region.ErrGeometry) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), fillErrorStatus(err))
		return
	}

	values := make([]interface{}, len(prof.Values))
	for i, v := range prof.Values {
		values[i] = jsonFloat(float64(v))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file_id":   fileID,
		"region_id": regionID,
		"channel":   channel,
		"stokes":    stokes,
		"axis":      prof.Axis,
		"x":         prof.X,
		"y":         prof.Y,
		"values":    values,
	})
}

func fillSpectralProfileHandler(w http.ResponseWriter, r *http.Request) {
	h := getHandler(r)
	if h == nil {
		http.Error(w, "session not available", http.StatusInternalServerError)
		return
	}
	fileID, err := urlInt(r, "file_id")
	if err != nil {
		http.Error(w, "invalid file_id", http.StatusBadRequest)
		return
	}
	regionID, err := urlInt(r, "region_id")
	if err != nil {
		http.Error(w, "invalid region_id", http.StatusBadRequest)
		return
	}
	stokes := queryInt(r, "stokes", 0)

	prof, err := h.FillSpectralProfile(r.Context(), regionID, fileID, stokes)
	if err != nil {
		http.Error(w, err.Error(), fillErrorStatus(err))
		return
	}

	values := make([]interface{}, len(prof.Values))
	for i, v := range prof.Values {
		values[i] = jsonFloat(v)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"file_id":   fileID,
		"region_id": regionID,
		"stokes":    stokes,
		"values":    values,
	})
}

// Tile handler

func tileRequestHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := getHandler(r)
		if h == nil {
			http.Error(w, "session not available", http.StatusInternalServerError)
			return
		}

		params := [6]int{}
		for i, name := range []string{"file_id", "channel", "stokes", "layer", "x", "y"} {
			v, err := urlInt(r, name)
			if err != nil || v < 0 {
				http.Error(w, "invalid "+name, http.StatusBadRequest)
				return
			}
			params[i] = v
		}
		fileID, channel, stokes, layer, x, y := params[0], params[1], params[2], params[3], params[4], params[5]

		tileCfg := cfg.TileDefaults
		switch strings.TrimSpace(r.URL.Query().Get("compression")) {
		case "":
		case "zstd":
			tileCfg.Compression = tile.Lossless
		case "quantized":
			tileCfg.Compression = tile.Lossy
		default:
			http.Error(w, "unknown compression (expected zstd or quantized)", http.StatusBadRequest)
			return
		}
		if precision := queryInt(r, "precision", 0); precision > 0 {
			tileCfg.Precision = precision
		}

		src, ok := h.File(fileID)
		if !ok {
			http.Error(w, "file not open", http.StatusNotFound)
			return
		}
		key := cache.TileKey(src.Name(), channel, stokes, layer, x, y,
			tileCfg.Compression.String(), tileCfg.Precision)
		if cfg.Cache != nil {
			if blob, ok := cfg.Cache.GetTile(key); ok {
				serveTile(w, blob)
				return
			}
		}

		plane, width, height, err := h.Plane(r.Context(), fileID, channel, stokes)
		if err != nil {
			http.Error(w, err.Error(), fillErrorStatus(err))
			return
		}

		layers := tile.Layers(width, height, tile.DefaultTileSize)
		if layer >= layers {
			http.Error(w, "layer out of range", http.StatusBadRequest)
			return
		}
		mip := tile.MipFor(layer, layers)
		down, dw, dh, err := tile.Downsample(r.Context(), plane, width, height, mip, tile.KernelMean)
		if err != nil {
			http.Error(w, err.Error(), fillErrorStatus(err))
			return
		}
		raw, tw, th, err := tile.ExtractTile(down, dw, dh, x, y, tile.DefaultTileSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		enc, err := cfg.Tiles.Encode(r.Context(), raw, tw, th, tileCfg)
		if err != nil {
			http.Error(w, err.Error(), fillErrorStatus(err))
			return
		}
		blob, err := enc.MarshalBinary()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if cfg.Cache != nil {
			if err := cfg.Cache.SetTile(key, blob); err != nil {
				log.Printf("[Router] cache tile %s: %v", key, err)
			}
		}
		serveTile(w, blob)
	}
}

func serveTile(w http.ResponseWriter, blob []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(blob)
}

// Histogram job handlers

type jobSubmitRequest struct {
	Dataset      string               `json:"dataset"`
	Region       *jobstore.RegionSpec `json:"region"`
	Stokes       int                  `json:"stokes"`
	ChannelStart int                  `json:"channel_start"`
	ChannelEnd   int                  `json:"channel_end"`
	NumBins      int                  `json:"num_bins"`
}

func jobSubmitHandler(jm *JobManager, registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		// ChannelEnd -1 means the last channel of the cube.
		req := jobSubmitRequest{ChannelEnd: -1}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Dataset == "" {
			http.Error(w, "dataset is required", http.StatusBadRequest)
			return
		}
		if registry.Get(req.Dataset) == nil {
			http.Error(w, "dataset not found: "+req.Dataset, http.StatusNotFound)
			return
		}
		if req.ChannelStart < 0 {
			req.ChannelStart = 0
		}
		if spec := req.Region; spec != nil {
			regionType, ok := region.ParseType(spec.Type)
			if !ok {
				http.Error(w, "unknown region type: "+spec.Type, http.StatusBadRequest)
				return
			}
			st := region.State{Type: regionType, Points: spec.Points, Rotation: spec.Rotation}
			if err := st.Validate(); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		job, err := jm.Submit(jobstore.JobParams{
			DatasetID:    req.Dataset,
			Region:       req.Region,
			Stokes:       req.Stokes,
			ChannelStart: req.ChannelStart,
			ChannelEnd:   req.ChannelEnd,
			NumBins:      req.NumBins,
		})
		if errors.Is(err, ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		dataset := strings.TrimSpace(r.URL.Query().Get("dataset"))
		if dataset == "" {
			http.Error(w, "missing required query param: dataset", http.StatusBadRequest)
			return
		}
		jobs, err := jm.Store().ListJobsByDataset(dataset)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"dataset": dataset,
			"jobs":    jobs,
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
			"progress":    job.Progress,
			"params":      job.Params,
			"error":       job.Error,
		})
	}
}

func jobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		offset := 0
		limit := 100
		if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
			if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
				offset = v
			}
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = v
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		items, total, err := jm.Store().QueryResults(jobID, offset, limit)
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"params": job.Params,
			"total":  total,
			"offset": offset,
			"limit":  limit,
			"items":  items,
		})
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		jm.Cancel(jobID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    jobID,
			"cancelled": true,
		})
	}
}
