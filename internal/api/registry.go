package api

import (
	"log"

	"github.com/astroview/server/internal/data/cubestore"
)

// DatasetInfo describes one configured dataset for the API response.
type DatasetInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Stokes   int    `json:"stokes"`
}

// Registry holds the opened cube sources for all configured datasets.
type Registry struct {
	sources        map[string]cubestore.Source
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewRegistry creates a registry. order fixes the listing order of the
// configured datasets.
func NewRegistry(defaultDataset string, order []string, title string) *Registry {
	return &Registry{
		sources:        make(map[string]cubestore.Source),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds an opened source for a dataset.
func (r *Registry) Register(datasetID string, src cubestore.Source) {
	r.sources[datasetID] = src
}

// Get returns the source for a dataset, or nil if not found.
func (r *Registry) Get(datasetID string) cubestore.Source {
	return r.sources[datasetID]
}

// Default returns the default dataset's source.
func (r *Registry) Default() cubestore.Source {
	return r.sources[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *Registry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *Registry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *Registry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "AstroView"
}

// Datasets returns dataset info for all registered datasets.
func (r *Registry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		src := r.sources[id]
		if src == nil {
			continue
		}
		shape := src.Shape()
		infos = append(infos, DatasetInfo{
			ID:       id,
			Name:     src.Name(),
			Width:    shape.Width,
			Height:   shape.Height,
			Channels: shape.Channels,
			Stokes:   shape.Stokes,
		})
	}
	return infos
}

// Close closes every registered source.
func (r *Registry) Close() {
	for id, src := range r.sources {
		if err := src.Close(); err != nil {
			log.Printf("[Registry] close dataset %s: %v", id, err)
		}
	}
}
