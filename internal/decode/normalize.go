package decode

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/samber/lo"

	"tile-pipeline/internal/crs"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/tms"
)

// SubLayerProperty tags features with their MVT layer when a tile mixes several
const SubLayerProperty = "vt_layer"

// Collection is an ordered set of features in the layer CRS
type Collection struct {
	Features []*geojson.Feature
	// Extent is the footprint of the fetched tile in the layer CRS
	Extent orb.Bound
}

// Len returns the number of features
func (c *Collection) Len() int {
	return len(c.Features)
}

// FeatureCollection wraps the features for GeoJSON encoding
func (c *Collection) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.Features = c.Features
	return fc
}

// Normalize flattens the selected sub-layers into a collection projected in
// the layer CRS. Tile local coordinates are placed with addr.Tile(), which uses
// the same row as the URL the payload came from. Features entirely outside the
// layer extent are dropped.
func Normalize(r crs.Reprojector, l *layer.Layer, addr tms.Address, layers mvt.Layers, tileLocal bool) (*Collection, error) {
	if r == nil {
		r = crs.Default
	}

	extent, err := crs.Bound(r, addr.Bound(), crs.WGS84, l.Projection)
	if err != nil {
		return nil, err
	}

	selected := lo.Filter(layers, func(ml *mvt.Layer, _ int) bool {
		return ml != nil && l.SelectsSubLayer(ml.Name)
	})
	tag := len(selected) > 1

	if tileLocal {
		mvt.Layers(selected).ProjectToWGS84(addr.Tile())
	}

	c := &Collection{Extent: extent}
	for _, ml := range selected {
		for _, f := range ml.Features {
			if f == nil || f.Geometry == nil {
				continue
			}
			g, err := crs.Geometry(r, f.Geometry, crs.WGS84, l.Projection)
			if err != nil {
				return nil, fmt.Errorf("failed to reproject feature of %q: %w", ml.Name, err)
			}
			if !g.Bound().Intersects(l.Extent) {
				continue
			}
			f.Geometry = g
			if f.Properties == nil {
				f.Properties = geojson.Properties{}
			}
			if tag {
				f.Properties[SubLayerProperty] = ml.Name
			}
			c.Features = append(c.Features, f)
		}
	}
	return c, nil
}
