// Package config handles configuration loading for the AstroView server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Tiles  TileConfig   `yaml:"tiles"`
	Jobs   JobConfig    `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatasetConfig describes one image cube served by the backend.
type DatasetConfig struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`
	Backend string `yaml:"backend"`
}

// DataConfig contains data source settings. Datasets appear in the
// order they are listed in the YAML file; the first one is the default
// unless `default` names another.
type DataConfig struct {
	Title          string
	DefaultDataset string
	Datasets       map[string]DatasetConfig

	order []string
}

// DatasetIDs returns the dataset ids in configuration order.
func (d *DataConfig) DatasetIDs() []string {
	ids := make([]string, len(d.order))
	copy(ids, d.order)
	return ids
}

// UnmarshalYAML parses the data section. Two layouts are accepted:
// a flat legacy form with a single `path` key, and a mapping of
// dataset id to dataset settings.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data section must be a mapping")
	}

	d.Datasets = make(map[string]DatasetConfig)
	var legacy DatasetConfig

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]

		switch key {
		case "title":
			d.Title = value.Value
		case "default":
			d.DefaultDataset = value.Value
		case "path":
			legacy.Path = value.Value
		case "backend":
			legacy.Backend = value.Value
		case "name":
			legacy.Name = value.Value
		default:
			var ds DatasetConfig
			if err := value.Decode(&ds); err != nil {
				return fmt.Errorf("dataset %q: %w", key, err)
			}
			if ds.Name == "" {
				ds.Name = key
			}
			d.Datasets[key] = ds
			d.order = append(d.order, key)
		}
	}

	if legacy.Path != "" {
		if len(d.Datasets) > 0 {
			return fmt.Errorf("data section mixes a top-level path with named datasets")
		}
		if legacy.Name == "" {
			legacy.Name = "default"
		}
		d.Datasets["default"] = legacy
		d.order = []string{"default"}
	}

	if d.DefaultDataset == "" && len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	if d.DefaultDataset != "" {
		if _, ok := d.Datasets[d.DefaultDataset]; !ok {
			return fmt.Errorf("default dataset %q is not defined", d.DefaultDataset)
		}
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	SliceCacheSize int `yaml:"slice_cache_size"`
}

// TileConfig contains tile encoding settings.
type TileConfig struct {
	Compression string `yaml:"compression"`
	Precision   int    `yaml:"precision"`
	ZstdLevel   int    `yaml:"zstd_level"`
}

// JobConfig contains histogram job settings.
type JobConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	Workers       int    `yaml:"workers"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Title:          "AstroView",
			DefaultDataset: "",
			Datasets:       map[string]DatasetConfig{},
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			SliceCacheSize: 64,
		},
		Tiles: TileConfig{
			Compression: "zstd",
			Precision:   12,
			ZstdLevel:   3,
		},
		Jobs: JobConfig{
			SQLitePath:    "./data/jobs.db",
			Workers:       2,
			RetentionDays: 7,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Data.Title == "" {
		cfg.Data.Title = defaults.Data.Title
	}
	if cfg.Data.Datasets == nil {
		cfg.Data.Datasets = map[string]DatasetConfig{}
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.SliceCacheSize == 0 {
		cfg.Cache.SliceCacheSize = defaults.Cache.SliceCacheSize
	}
	if cfg.Tiles.Compression == "" {
		cfg.Tiles.Compression = defaults.Tiles.Compression
	}
	if cfg.Tiles.Precision == 0 {
		cfg.Tiles.Precision = defaults.Tiles.Precision
	}
	if cfg.Tiles.ZstdLevel == 0 {
		cfg.Tiles.ZstdLevel = defaults.Tiles.ZstdLevel
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = defaults.Jobs.Workers
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
