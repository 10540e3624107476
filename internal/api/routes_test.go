package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/astroview/server/internal/cache"
	"github.com/astroview/server/internal/coord"
	"github.com/astroview/server/internal/data/cubestore"
	"github.com/astroview/server/internal/jobstore"
	"github.com/astroview/server/internal/session"
	"github.com/astroview/server/internal/tile"
)

const (
	testWidth    = 8
	testHeight   = 8
	testChannels = 4
)

// newTestCube builds an in-memory cube where channel ch holds the ramp
// ch*1000 + i for linear pixel index i.
func newTestCube() *cubestore.MemSource {
	planes := make([][][]float32, 1)
	planes[0] = make([][]float32, testChannels)
	for ch := 0; ch < testChannels; ch++ {
		plane := make([]float32, testWidth*testHeight)
		for i := range plane {
			plane[i] = float32(ch*1000 + i)
		}
		planes[0][ch] = plane
	}
	return cubestore.NewMemSource("testcube", cubestore.Shape{
		Width: testWidth, Height: testHeight, Channels: testChannels, Stokes: 1,
	}, nil, planes)
}

// testServer holds the test server and its dependencies
type testServer struct {
	server   *httptest.Server
	sessions *session.Manager
	cache    *cache.Manager
	tiles    *tile.Pipeline
	jm       *JobManager
	registry *Registry
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 16,
		TileTTL:         time.Minute,
		SliceCacheSize:  32,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	sessions := session.NewManager(cacheManager)

	pipeline, err := tile.NewPipeline(3)
	if err != nil {
		t.Fatalf("Failed to initialize tile pipeline: %v", err)
	}

	registry := NewRegistry("testcube", []string{"testcube"}, "")
	registry.Register("testcube", newTestCube())

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.db"),
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	jm.Executor = HistogramExecutor(registry)
	jm.Start()

	router := NewRouter(RouterConfig{
		Registry: registry,
		Sessions: sessions,
		Cache:    cacheManager,
		Tiles:    pipeline,
		TileDefaults: tile.Config{
			Compression: tile.Lossless,
			Precision:   12,
			ZstdLevel:   3,
		},
		JobManager:  jm,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	return &testServer{
		server:   httptest.NewServer(router),
		sessions: sessions,
		cache:    cacheManager,
		tiles:    pipeline,
		jm:       jm,
		registry: registry,
	}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.jm.Stop()
	ts.sessions.CloseAll()
	ts.tiles.Close()
	ts.cache.Close()
}

// --- Helper Functions ---

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	return out
}

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// createSession creates a session and returns its id.
func createSession(t *testing.T, ts *testServer) string {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.server.URL+"/api/sessions", nil)
	assertStatusCode(t, resp, http.StatusCreated)
	out := decodeJSON(t, resp)
	id, _ := out["session_id"].(string)
	if id == "" {
		t.Fatal("Expected non-empty session_id")
	}
	return id
}

// openFile opens the default test dataset under fileID.
func openFile(t *testing.T, ts *testServer, sessionID string, fileID int) {
	t.Helper()
	resp := doJSON(t, http.MethodPost, ts.server.URL+"/s/"+sessionID+"/api/files/open",
		map[string]interface{}{"dataset": "testcube", "file_id": fileID})
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()
}

// setRegion creates or updates a region covering the given rectangle.
func setRegion(t *testing.T, ts *testServer, sessionID string, regionID, fileID int, cx, cy, w, h float64) {
	t.Helper()
	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/s/%s/api/regions/%d", ts.server.URL, sessionID, regionID),
		map[string]interface{}{
			"file_id": fileID,
			"type":    "rectangle",
			"points":  []map[string]float64{{"x": cx, "y": cy}, {"x": w, "y": h}},
		})
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- Test Cases ---

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

// TestDatasetsEndpoint tests the datasets list API endpoint
func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/api/datasets")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	assertStatusCode(t, resp, http.StatusOK)

	out := decodeJSON(t, resp)
	if out["default"] != "testcube" {
		t.Errorf("Expected default dataset testcube, got %v", out["default"])
	}
	datasets, ok := out["datasets"].([]interface{})
	if !ok || len(datasets) != 1 {
		t.Fatalf("Expected 1 dataset, got %v", out["datasets"])
	}
	info := datasets[0].(map[string]interface{})
	if info["channels"].(float64) != testChannels {
		t.Errorf("Expected %d channels, got %v", testChannels, info["channels"])
	}
}

// TestSessionLifecycle covers create, use, and close of a session.
func TestSessionLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	sessionID := createSession(t, ts)
	openFile(t, ts, sessionID, 0)

	t.Run("unknown session", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.server.URL+"/s/nope/api/files/open",
			map[string]interface{}{"dataset": "testcube", "file_id": 0})
		assertStatusCode(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})

	t.Run("close session", func(t *testing.T) {
		resp := doJSON(t, http.MethodDelete, ts.server.URL+"/api/sessions/"+sessionID, nil)
		assertStatusCode(t, resp, http.StatusOK)
		resp.Body.Close()

		// Closed sessions are forgotten by the manager.
		resp = doJSON(t, http.MethodPost, ts.server.URL+"/s/"+sessionID+"/api/files/open",
			map[string]interface{}{"dataset": "testcube", "file_id": 0})
		assertStatusCode(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})
}

// TestOpenFileValidation tests the file open endpoint error paths.
func TestOpenFileValidation(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()
	sessionID := createSession(t, ts)

	tests := []struct {
		name           string
		body           map[string]interface{}
		expectedStatus int
	}{
		{"valid", map[string]interface{}{"dataset": "testcube", "file_id": 0}, http.StatusOK},
		{"unknown dataset", map[string]interface{}{"dataset": "nope", "file_id": 0}, http.StatusNotFound},
		{"negative file id", map[string]interface{}{"dataset": "testcube", "file_id": -1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, ts.server.URL+"/s/"+sessionID+"/api/files/open", tt.body)
			assertStatusCode(t, resp, tt.expectedStatus)
			resp.Body.Close()
		})
	}
}

// TestRegionEndpoints covers region create, update, and removal.
func TestRegionEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()
	sessionID := createSession(t, ts)
	openFile(t, ts, sessionID, 0)

	t.Run("create", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, ts.server.URL+"/s/"+sessionID+"/api/regions/1",
			map[string]interface{}{
				"file_id": 0,
				"type":    "rectangle",
				"points":  []map[string]float64{{"x": 3.5, "y": 3.5}, {"x": 8, "y": 8}},
			})
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		if out["updated"] != true {
			t.Errorf("Expected updated=true on create, got %v", out["updated"])
		}
	})

	t.Run("unchanged update", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, ts.server.URL+"/s/"+sessionID+"/api/regions/1",
			map[string]interface{}{
				"file_id": 0,
				"type":    "rectangle",
				"points":  []map[string]float64{{"x": 3.5, "y": 3.5}, {"x": 8, "y": 8}},
			})
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		if out["updated"] != false {
			t.Errorf("Expected updated=false for identical geometry, got %v", out["updated"])
		}
	})

	t.Run("bad type", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, ts.server.URL+"/s/"+sessionID+"/api/regions/2",
			map[string]interface{}{"file_id": 0, "type": "blob", "points": []map[string]float64{{"x": 1, "y": 1}}})
		assertStatusCode(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	})

	t.Run("degenerate geometry", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, ts.server.URL+"/s/"+sessionID+"/api/regions/2",
			map[string]interface{}{
				"file_id": 0,
				"type":    "ellipse",
				"points":  []map[string]float64{{"x": 4, "y": 4}, {"x": 0, "y": 0}},
			})
		assertStatusCode(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	})

	t.Run("remove twice", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			resp := doJSON(t, http.MethodDelete, ts.server.URL+"/s/"+sessionID+"/api/regions/1", nil)
			assertStatusCode(t, resp, http.StatusOK)
			resp.Body.Close()
		}
	})
}

// TestFillStats exercises requirements plus the stats fill endpoint.
func TestFillStats(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()
	sessionID := createSession(t, ts)
	openFile(t, ts, sessionID, 0)
	setRegion(t, ts, sessionID, 1, 0, 3.5, 3.5, 8, 8)

	base := fmt.Sprintf("%s/s/%s/api/files/0/regions/1", ts.server.URL, sessionID)

	t.Run("no requirements yields sentinel", func(t *testing.T) {
		resp, err := http.Get(base + "/stats")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		values := out["values"].([]interface{})
		if len(values) != 1 {
			t.Fatalf("Expected 1 sentinel value, got %d", len(values))
		}
		if values[0].(map[string]interface{})["type"] != "None" {
			t.Errorf("Expected None sentinel, got %v", values[0])
		}
	})

	t.Run("unknown statistic rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, base+"/stats/requirements",
			map[string]interface{}{"stats": []string{"Sum", "Nope"}})
		assertStatusCode(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	})

	t.Run("sum and mean over full image", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, base+"/stats/requirements",
			map[string]interface{}{"stats": []string{"Sum", "Mean"}})
		assertStatusCode(t, resp, http.StatusOK)
		resp.Body.Close()

		resp, err := http.Get(base + "/stats?channel=0&stokes=0")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)

		got := map[string]float64{}
		for _, item := range out["values"].([]interface{}) {
			m := item.(map[string]interface{})
			got[m["type"].(string)] = m["value"].(float64)
		}
		// Channel 0 ramp over 64 pixels: sum 0+1+...+63.
		if got["Sum"] != 2016 {
			t.Errorf("Sum = %v, want 2016", got["Sum"])
		}
		if got["Mean"] != 31.5 {
			t.Errorf("Mean = %v, want 31.5", got["Mean"])
		}
	})

	t.Run("missing file", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/s/%s/api/files/9/regions/1/stats", ts.server.URL, sessionID))
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		// No requirements on file 9, so the sentinel comes back before
		// the file lookup.
		assertStatusCode(t, resp, http.StatusOK)
		resp.Body.Close()
	})
}

// TestFillHistogram exercises the histogram fill endpoint.
func TestFillHistogram(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()
	sessionID := createSession(t, ts)
	openFile(t, ts, sessionID, 0)
	setRegion(t, ts, sessionID, 1, 0, 3.5, 3.5, 8, 8)

	url := fmt.Sprintf("%s/s/%s/api/files/0/regions/1/histogram?channel=0&num_bins=4&min=0&max=64",
		ts.server.URL, sessionID)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	assertStatusCode(t, resp, http.StatusOK)
	out := decodeJSON(t, resp)

	hist := out["histogram"].(map[string]interface{})
	if hist["num_bins"].(float64) != 4 {
		t.Errorf("num_bins = %v, want 4", hist["num_bins"])
	}
	if hist["bin_width"].(float64) != 16 {
		t.Errorf("bin_width = %v, want 16", hist["bin_width"])
	}
	if hist["first_bin_center"].(float64) != 8 {
		t.Errorf("first_bin_center = %v, want 8", hist["first_bin_center"])
	}
	bins := hist["bins"].([]interface{})
	for i, b := range bins {
		if b.(float64) != 16 {
			t.Errorf("bin %d = %v, want 16", i, b)
		}
	}

	t.Run("unknown region", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/s/%s/api/files/0/regions/99/histogram", ts.server.URL, sessionID))
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})
}

// TestTileEndpoint tests tile delivery and caching.
func TestTileEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()
	sessionID := createSession(t, ts)
	openFile(t, ts, sessionID, 0)

	tilesBase := ts.server.URL + "/s/" + sessionID + "/tiles"

	fetch := func(t *testing.T, path string) []byte {
		t.Helper()
		resp, err := http.Get(tilesBase + path)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)
		if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Content-Type = %q, want application/octet-stream", ct)
		}
		if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
			t.Errorf("Cache-Control = %q", cc)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}
		return body
	}

	body := fetch(t, "/0/0/0/0/0/0")
	var enc tile.EncodedTile
	if err := enc.UnmarshalBinary(body); err != nil {
		t.Fatalf("Failed to parse tile frame: %v", err)
	}
	if enc.Width != testWidth || enc.Height != testHeight {
		t.Errorf("tile shape %dx%d, want %dx%d", enc.Width, enc.Height, testWidth, testHeight)
	}
	decoded, err := ts.tiles.Decode(&enc)
	if err != nil {
		t.Fatalf("Failed to decode tile: %v", err)
	}
	for i, v := range decoded {
		if v != float32(i) {
			t.Fatalf("sample %d = %v, want %v", i, v, float32(i))
			break
		}
	}

	t.Run("cached response identical", func(t *testing.T) {
		again := fetch(t, "/0/0/0/0/0/0")
		if !bytes.Equal(body, again) {
			t.Error("cached tile differs from first response")
		}
	})

	t.Run("invalid parameters", func(t *testing.T) {
		for _, path := range []string{
			"/abc/0/0/0/0/0",
			"/0/0/0/9/0/0",  // layer out of range
			"/0/0/0/0/5/0",  // tile x out of range
			"/0/9/0/0/0/0",  // channel out of range
			"/0/0/0/0/0/0?compression=brotli",
		} {
			resp, err := http.Get(tilesBase + path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			if resp.StatusCode == http.StatusOK {
				t.Errorf("path %s: expected error status, got 200", path)
			}
			resp.Body.Close()
		}
	})

	t.Run("lossy tile", func(t *testing.T) {
		body := fetch(t, "/0/0/0/0/0/0?compression=quantized&precision=10")
		var lossy tile.EncodedTile
		if err := lossy.UnmarshalBinary(body); err != nil {
			t.Fatalf("Failed to parse tile frame: %v", err)
		}
		if lossy.Compression != tile.Lossy || lossy.Precision != 10 {
			t.Errorf("got compression %v precision %d, want Lossy 10", lossy.Compression, lossy.Precision)
		}
	})
}

// TestRegionImportExport round-trips a DS9 region file over HTTP.
func TestRegionImportExport(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()
	sessionID := createSession(t, ts)
	openFile(t, ts, sessionID, 0)

	base := fmt.Sprintf("%s/s/%s/api/files/0/regions", ts.server.URL, sessionID)

	req, err := http.NewRequest(http.MethodPost, base+"/import",
		strings.NewReader("image\ncircle(4,4,2)\nline(1,2,3,4)\n"))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	assertStatusCode(t, resp, http.StatusOK)
	out := decodeJSON(t, resp)

	regions := out["regions"].([]interface{})
	if len(regions) != 1 {
		t.Fatalf("Expected 1 imported region, got %d: %v", len(regions), out)
	}
	if regions[0].(map[string]interface{})["type"] != "ellipse" {
		t.Errorf("Expected circle to import as ellipse, got %v", regions[0])
	}
	errsField, _ := out["errors"].([]interface{})
	if len(errsField) != 1 {
		t.Errorf("Expected 1 import error for bogus line, got %v", out["errors"])
	}

	expResp, err := http.Get(base + "/export")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer expResp.Body.Close()
	assertStatusCode(t, expResp, http.StatusOK)
	text, err := io.ReadAll(expResp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if !strings.Contains(string(text), "circle(") {
		t.Errorf("Exported file missing circle region:\n%s", text)
	}
}

// TestJobEndpoints runs one histogram job through the HTTP surface.
func TestJobEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp := doJSON(t, http.MethodPost, ts.server.URL+"/api/jobs/",
		map[string]interface{}{"dataset": "testcube", "num_bins": 4})
	assertStatusCode(t, resp, http.StatusAccepted)
	out := decodeJSON(t, resp)
	jobID, _ := out["job_id"].(string)
	if jobID == "" {
		t.Fatal("Expected non-empty job_id")
	}

	// Poll until the job settles.
	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.server.URL + "/api/jobs/" + jobID)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		st := decodeJSON(t, resp)
		status, _ = st["status"].(string)
		if status == "completed" || status == "failed" || status == "cancelled" {
			if errMsg, _ := st["error"].(string); errMsg != "" {
				t.Fatalf("Job ended %s: %s", status, errMsg)
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("Job did not complete in time, status %q", status)
	}

	t.Run("results", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/jobs/" + jobID + "/result?limit=2")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		if out["total"].(float64) != testChannels {
			t.Errorf("total = %v, want %d", out["total"], testChannels)
		}
		items := out["items"].([]interface{})
		if len(items) != 2 {
			t.Fatalf("Expected 2 items with limit=2, got %d", len(items))
		}
		first := items[0].(map[string]interface{})
		hist := first["histogram"].(map[string]interface{})
		bins := hist["bins"].([]interface{})
		if len(bins) != 4 {
			t.Fatalf("Expected 4 bins, got %d", len(bins))
		}
		for i, b := range bins {
			if b.(float64) != 16 {
				t.Errorf("bin %d = %v, want 16", i, b)
			}
		}
	})

	t.Run("list by dataset", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/jobs/?dataset=testcube")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		jobs, _ := out["jobs"].([]interface{})
		if len(jobs) == 0 {
			t.Error("Expected at least one job for testcube")
		}
	})

	t.Run("unknown dataset rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.server.URL+"/api/jobs/",
			map[string]interface{}{"dataset": "nope"})
		assertStatusCode(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})

	t.Run("unknown job", func(t *testing.T) {
		resp, err := http.Get(ts.server.URL + "/api/jobs/ffffffffffffffff")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})
}

// TestProfileEndpoints reads spatial and spectral profiles through a
// point region.
func TestProfileEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()
	sessionID := createSession(t, ts)
	openFile(t, ts, sessionID, 0)

	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/s/%s/api/regions/1", ts.server.URL, sessionID),
		map[string]interface{}{
			"file_id": 0,
			"type":    "point",
			"points":  []map[string]float64{{"x": 2, "y": 3}},
		})
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()

	base := fmt.Sprintf("%s/s/%s/api/files/0/regions/1/profiles", ts.server.URL, sessionID)

	t.Run("spatial x", func(t *testing.T) {
		resp, err := http.Get(base + "/spatial?axis=x&channel=1")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		if out["axis"] != "x" {
			t.Errorf("axis = %v, want x", out["axis"])
		}
		values := out["values"].([]interface{})
		if len(values) != testWidth {
			t.Fatalf("Expected %d samples, got %d", testWidth, len(values))
		}
		// Channel 1 row y=3 of the ramp.
		for x, v := range values {
			if want := float64(1000 + 3*testWidth + x); v.(float64) != want {
				t.Errorf("values[%d] = %v, want %v", x, v, want)
			}
		}
	})

	t.Run("spatial y", func(t *testing.T) {
		resp, err := http.Get(base + "/spatial?axis=y")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		values := out["values"].([]interface{})
		if len(values) != testHeight {
			t.Fatalf("Expected %d samples, got %d", testHeight, len(values))
		}
		for y, v := range values {
			if want := float64(y*testWidth + 2); v.(float64) != want {
				t.Errorf("values[%d] = %v, want %v", y, v, want)
			}
		}
	})

	t.Run("bad axis", func(t *testing.T) {
		resp, err := http.Get(base + "/spatial?axis=diag")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	})

	t.Run("spectral", func(t *testing.T) {
		resp, err := http.Get(base + "/spectral")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusOK)
		out := decodeJSON(t, resp)
		values := out["values"].([]interface{})
		if len(values) != testChannels {
			t.Fatalf("Expected %d channels, got %d", testChannels, len(values))
		}
		for ch, v := range values {
			if want := float64(ch*1000 + 3*testWidth + 2); v.(float64) != want {
				t.Errorf("values[%d] = %v, want %v", ch, v, want)
			}
		}
	})

	t.Run("unknown region", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/s/%s/api/files/0/regions/9/profiles/spectral", ts.server.URL, sessionID))
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		assertStatusCode(t, resp, http.StatusNotFound)
		resp.Body.Close()
	})
}

// TestJobWithRegion runs a histogram job restricted by an inline region
// carried in the job parameters.
func TestJobWithRegion(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	t.Run("invalid region rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, ts.server.URL+"/api/jobs/",
			map[string]interface{}{
				"dataset": "testcube",
				"region": map[string]interface{}{
					"type":   "blob",
					"points": []map[string]float64{{"x": 1, "y": 1}},
				},
			})
		assertStatusCode(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	})

	resp := doJSON(t, http.MethodPost, ts.server.URL+"/api/jobs/",
		map[string]interface{}{
			"dataset":  "testcube",
			"num_bins": 2,
			"region": &jobstore.RegionSpec{
				Type:   "rectangle",
				Points: []coord.Point{{X: 3.5, Y: 3.5}, {X: 4, Y: 4}},
			},
		})
	assertStatusCode(t, resp, http.StatusAccepted)
	out := decodeJSON(t, resp)
	jobID, _ := out["job_id"].(string)
	if jobID == "" {
		t.Fatal("Expected non-empty job_id")
	}

	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.server.URL + "/api/jobs/" + jobID)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		st := decodeJSON(t, resp)
		status, _ = st["status"].(string)
		if status == "completed" || status == "failed" || status == "cancelled" {
			if errMsg, _ := st["error"].(string); errMsg != "" {
				t.Fatalf("Job ended %s: %s", status, errMsg)
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("Job did not complete in time, status %q", status)
	}

	resp, err := http.Get(ts.server.URL + "/api/jobs/" + jobID + "/result")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	assertStatusCode(t, resp, http.StatusOK)
	out = decodeJSON(t, resp)
	items := out["items"].([]interface{})
	if len(items) != testChannels {
		t.Fatalf("Expected %d items, got %d", testChannels, len(items))
	}
	// A 4x4 rectangle centered on (3.5, 3.5) covers 16 pixels per
	// channel, so each per-channel histogram must count exactly those.
	for i, item := range items {
		hist := item.(map[string]interface{})["histogram"].(map[string]interface{})
		total := 0.0
		for _, b := range hist["bins"].([]interface{}) {
			total += b.(float64)
		}
		if total != 16 {
			t.Errorf("channel %d counted %v pixels, want 16", i, total)
		}
	}
}

// TestSessionsAreIsolated verifies that files and regions belong to one
// session and are invisible to others.
func TestSessionsAreIsolated(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	a := createSession(t, ts)
	b := createSession(t, ts)
	openFile(t, ts, a, 0)
	openFile(t, ts, b, 0)
	setRegion(t, ts, a, 1, 0, 3.5, 3.5, 8, 8)

	histURL := func(sessionID string) string {
		return fmt.Sprintf("%s/s/%s/api/files/0/regions/1/histogram?num_bins=4&min=0&max=64",
			ts.server.URL, sessionID)
	}

	// Region 1 exists only in session a.
	resp, err := http.Get(histURL(b))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	assertStatusCode(t, resp, http.StatusNotFound)
	resp.Body.Close()

	// Removing the missing region in b must not touch a's copy.
	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/s/%s/api/regions/1", ts.server.URL, b), nil)
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err = http.Get(histURL(a))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()
}

// stallSource signals when a read starts, then holds it until the
// request context is cancelled or the test releases it.
type stallSource struct {
	*cubestore.MemSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallSource) ReadSlice(ctx context.Context, channel, stokes int) ([]float32, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return s.MemSource.ReadSlice(ctx, channel, stokes)
	}
}

// TestCloseSessionCancelsInFlightFill closes a session while one of its
// fills is blocked on a read and expects the fill to abort.
func TestCloseSessionCancelsInFlightFill(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	planes := [][][]float32{{make([]float32, testWidth*testHeight)}}
	slow := &stallSource{
		MemSource: cubestore.NewMemSource("slowcube", cubestore.Shape{
			Width: testWidth, Height: testHeight, Channels: 1, Stokes: 1,
		}, nil, planes),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	defer close(slow.release)
	ts.registry.Register("slowcube", slow)

	sessionID := createSession(t, ts)
	resp := doJSON(t, http.MethodPost, ts.server.URL+"/s/"+sessionID+"/api/files/open",
		map[string]interface{}{"dataset": "slowcube", "file_id": 0})
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()
	setRegion(t, ts, sessionID, 1, 0, 3.5, 3.5, 8, 8)

	base := fmt.Sprintf("%s/s/%s/api/files/0/regions/1", ts.server.URL, sessionID)
	resp = doJSON(t, http.MethodPut, base+"/stats/requirements",
		map[string]interface{}{"stats": []string{"Sum"}})
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()

	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Get(base + "/stats?channel=0")
		if err != nil {
			statusCh <- -1
			return
		}
		resp.Body.Close()
		statusCh <- resp.StatusCode
	}()

	<-slow.entered
	resp = doJSON(t, http.MethodDelete, ts.server.URL+"/api/sessions/"+sessionID, nil)
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()

	select {
	case status := <-statusCh:
		if status != http.StatusServiceUnavailable {
			t.Errorf("in-flight fill returned %d, want %d", status, http.StatusServiceUnavailable)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight fill never returned after session close")
	}
}

// TestCORSHeaders tests that CORS headers are set correctly
func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	req, err := http.NewRequest("GET", ts.server.URL+"/health", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected Access-Control-Allow-Origin header to be set for allowed origin")
	}
}
