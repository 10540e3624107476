// Package main is the entry point for the AstroView server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/astroview/server/internal/api"
	"github.com/astroview/server/internal/cache"
	"github.com/astroview/server/internal/config"
	"github.com/astroview/server/internal/data/cubestore"
	"github.com/astroview/server/internal/data/tdb"
	"github.com/astroview/server/internal/session"
	"github.com/astroview/server/internal/tile"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting AstroView server on port %d", cfg.Server.Port)

	// Initialize cache manager (shared across all sessions)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		SliceCacheSize:  cfg.Cache.SliceCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Data.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		src, err := openSource(ds)
		if err != nil {
			log.Fatalf("Failed to open dataset %q: %v", datasetID, err)
		}
		shape := src.Shape()
		log.Printf("  [%s] Loaded from: %s", datasetID, ds.Path)
		log.Printf("    Shape: %dx%d, channels: %d, stokes: %d",
			shape.Width, shape.Height, shape.Channels, shape.Stokes)

		registry.Register(datasetID, src)
	}
	defer registry.Close()

	// Session manager; each session gets its own region handler backed
	// by the shared slice cache.
	sessions := session.NewManager(cacheManager)
	defer sessions.CloseAll()

	// Tile compression pipeline
	pipeline, err := tile.NewPipeline(cfg.Tiles.ZstdLevel)
	if err != nil {
		log.Fatalf("Failed to initialize tile pipeline: %v", err)
	}
	defer pipeline.Close()

	tileDefaults, err := tileDefaults(cfg.Tiles)
	if err != nil {
		log.Fatalf("Invalid tile configuration: %v", err)
	}

	// Initialize job manager for cube histogram jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.Workers,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Histogram job manager: workers=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.Workers, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	jobManager.Executor = api.HistogramExecutor(registry)
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:     registry,
		Sessions:     sessions,
		Cache:        cacheManager,
		Tiles:        pipeline,
		TileDefaults: tileDefaults,
		JobManager:   jobManager,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// openSource opens one configured dataset by backend.
func openSource(ds config.DatasetConfig) (cubestore.Source, error) {
	switch strings.ToLower(ds.Backend) {
	case "", "chunked":
		return cubestore.Open(ds.Path)
	case "tiledb":
		cube, err := tdb.Open(ds.Path)
		if err != nil {
			return nil, err
		}
		if !cube.Supported() {
			log.Printf("  TileDB support not compiled in; %s will reject reads (rebuild with -tags tiledb)", ds.Path)
		}
		return cube, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (expected chunked or tiledb)", ds.Backend)
	}
}

// tileDefaults maps the tile section of the config to encoder settings.
func tileDefaults(tc config.TileConfig) (tile.Config, error) {
	out := tile.Config{
		Precision: tc.Precision,
		ZstdLevel: tc.ZstdLevel,
	}
	switch strings.ToLower(tc.Compression) {
	case "", "zstd":
		out.Compression = tile.Lossless
	case "quantized":
		out.Compression = tile.Lossy
	default:
		return tile.Config{}, fmt.Errorf("unknown tile compression %q (expected zstd or quantized)", tc.Compression)
	}
	return out, nil
}
