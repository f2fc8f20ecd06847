package layer

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/crs"
	"tile-pipeline/internal/fetcher"
	"tile-pipeline/internal/tms"
)

// JSONFetcher retrieves and decodes JSON documents
type JSONFetcher interface {
	FetchJSON(ctx context.Context, url string, opts fetcher.Options, v any) error
}

// TileJSON is the subset of the TileJSON 3.0 document used to configure a layer
type TileJSON struct {
	TileJSON     string    `json:"tilejson"`
	Name         string    `json:"name"`
	Scheme       string    `json:"scheme"`
	Tiles        []string  `json:"tiles"`
	MinZoom      *uint32   `json:"minzoom"`
	MaxZoom      *uint32   `json:"maxzoom"`
	Bounds       []float64 `json:"bounds"`
	VectorLayers []struct {
		ID string `json:"id"`
	} `json:"vector_layers"`
}

// worldBounds is the TileJSON default
var worldBounds = []float64{-180, -85.05112877980659, 180, 85.05112877980659}

// FromTileJSON completes spec from the TileJSON document at url. Fields set
// in spec win over the document.
func FromTileJSON(ctx context.Context, f JSONFetcher, url string, spec Spec, reprojector crs.Reprojector) (Spec, error) {
	if reprojector == nil {
		reprojector = crs.Default
	}

	var doc TileJSON
	opts := fetcher.Options{Headers: spec.Headers, CrossOrigin: spec.CrossOrigin}
	if err := f.FetchJSON(ctx, url, opts, &doc); err != nil {
		return spec, fmt.Errorf("failed to load tilejson for layer '%s': %w", spec.ID, err)
	}

	if spec.URL == "" {
		if len(doc.Tiles) == 0 {
			return spec, fmt.Errorf("%w: tilejson %s lists no tiles", common.ErrConfiguration, url)
		}
		spec.URL = doc.Tiles[0]
	}
	if spec.Origin == "" && spec.Protocol == "" {
		// TileJSON defaults to xyz
		if doc.Scheme == "tms" {
			spec.Origin = tms.OriginBottom.String()
		} else {
			spec.Origin = tms.OriginTop.String()
		}
	}
	if spec.Zoom == nil && (doc.MinZoom != nil || doc.MaxZoom != nil) {
		z := tms.DefaultZoomRange
		if doc.MinZoom != nil {
			z.Min = *doc.MinZoom
		}
		if doc.MaxZoom != nil {
			z.Max = *doc.MaxZoom
		}
		spec.Zoom = &z
	}
	if spec.Projection == "" {
		spec.Projection = crs.WebMercator
	}
	if len(spec.Extent) == 0 {
		bounds := doc.Bounds
		if len(bounds) != 4 {
			bounds = worldBounds
		}
		extent, err := projectBounds(reprojector, bounds, spec.Projection)
		if err != nil {
			return spec, fmt.Errorf("%w: layer '%s': %w", common.ErrConfiguration, spec.ID, err)
		}
		spec.Extent = extent
	}
	return spec, nil
}

// projectBounds converts TileJSON [w, s, e, n] WGS84 bounds into projection
func projectBounds(r crs.Reprojector, bounds []float64, projection string) ([]float64, error) {
	b := orb.Bound{Min: orb.Point{bounds[0], bounds[1]}, Max: orb.Point{bounds[2], bounds[3]}}
	out, err := crs.Bound(r, b, crs.WGS84, projection)
	if err != nil {
		return nil, err
	}
	return []float64{out.Min[0], out.Min[1], out.Max[0], out.Max[1]}, nil
}
