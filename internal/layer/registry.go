package layer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/crs"
)

// Registry holds the configured layers by ID.
//
// Tiles are cached by URL, so two layers sharing a URL template would share
// decoded artifacts despite different filters or styles. Register rejects them.
type Registry struct {
	mu        sync.RWMutex
	layers    map[string]*Layer
	templates map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		layers:    make(map[string]*Layer),
		templates: make(map[string]string),
	}
}

// Register adds a layer
func (r *Registry) Register(l *Layer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.layers[l.ID]; exists {
		return fmt.Errorf("%w: duplicate layer id '%s'", common.ErrConfiguration, l.ID)
	}
	if other, exists := r.templates[l.URL]; exists {
		return fmt.Errorf("%w: layers '%s' and '%s' share url %s", common.ErrConfiguration, other, l.ID, l.URL)
	}
	r.layers[l.ID] = l
	r.templates[l.URL] = l.ID
	return nil
}

// Get returns the layer with the given ID
func (r *Registry) Get(id string) (*Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[id]
	return l, ok
}

// IDs returns the registered layer IDs, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := lo.Keys(r.layers)
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// All returns the registered layers sorted by ID
func (r *Registry) All() []*Layer {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(ids, func(id string, _ int) *Layer { return r.layers[id] })
}

// Len returns the number of registered layers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}

// Load builds a registry from specs. Specs pointing at a TileJSON document are
// completed from it first, so f may be nil only when none does. Every broken
// spec is reported.
func Load(ctx context.Context, specs []Spec, f JSONFetcher, reprojector crs.Reprojector) (*Registry, error) {
	r := NewRegistry()
	var errs []error
	for _, spec := range specs {
		if spec.TileJSON != "" {
			if f == nil {
				errs = append(errs, fmt.Errorf("%w: layer '%s' needs a fetcher for its tilejson", common.ErrConfiguration, spec.ID))
				continue
			}
			resolved, err := FromTileJSON(ctx, f, spec.TileJSON, spec, reprojector)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			spec = resolved
		}
		l, err := New(spec, reprojector)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.Register(l); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}
