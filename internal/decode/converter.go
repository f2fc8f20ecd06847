package decode

import (
	"context"
	"fmt"
	"sync"

	"tile-pipeline/internal/common"
)

// DefaultConverter is used by geometry layers that do not name one
const DefaultConverter = "geojson"

// Converter builds the renderable asset of a geometry tile
type Converter interface {
	Convert(ctx context.Context, c *Collection) (any, error)
}

// ConverterFunc adapts a function to Converter
type ConverterFunc func(ctx context.Context, c *Collection) (any, error)

func (f ConverterFunc) Convert(ctx context.Context, c *Collection) (any, error) {
	return f(ctx, c)
}

// GeoJSONConverter hands out the collection as a GeoJSON FeatureCollection
var GeoJSONConverter = ConverterFunc(func(_ context.Context, c *Collection) (any, error) {
	return c.FeatureCollection(), nil
})

// Converters maps converter names to implementations
type Converters struct {
	mu sync.RWMutex
	m  map[string]Converter
}

// NewConverters returns a set holding the GeoJSON converter
func NewConverters() *Converters {
	return &Converters{m: map[string]Converter{DefaultConverter: GeoJSONConverter}}
}

// Register adds or replaces a converter
func (c *Converters) Register(name string, conv Converter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[name] = conv
}

// Lookup returns the converter registered under name, the default one for ""
func (c *Converters) Lookup(name string) (Converter, error) {
	if name == "" {
		name = DefaultConverter
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown converter %q", common.ErrConfiguration, name)
	}
	return conv, nil
}
