// Package layer turns declarative layer specs into the immutable configuration
// consumed by tile resolution and decoding.
package layer

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/crs"
	"tile-pipeline/internal/raster"
	"tile-pipeline/internal/tms"
)

// Spec is the declarative form of a layer, as found in settings files
type Spec struct {
	ID string `yaml:"id" json:"id"`
	// URL is a template with {z}/{x}/{y} (or {-y}, {quadkey}) placeholders
	URL string `yaml:"url,omitempty" json:"url"`
	// TileJSON points at a TileJSON document that fills URL, Zoom, Origin and Extent
	TileJSON   string `yaml:"tilejson,omitempty" json:"tilejson"`
	Protocol   string `yaml:"protocol,omitempty" json:"protocol"`
	Projection string `yaml:"projection,omitempty" json:"projection"`
	// Extent is [minX, minY, maxX, maxY] in Projection
	Extent []float64       `yaml:"extent,omitempty" json:"extent"`
	Zoom   *tms.ZoomRange  `yaml:"zoom,omitempty" json:"zoom"`
	Origin string          `yaml:"origin,omitempty" json:"origin"`
	Kind   string          `yaml:"kind,omitempty" json:"kind"`
	Format string          `yaml:"format,omitempty" json:"format"`
	Filter string          `yaml:"filter,omitempty" json:"filter"`
	Sort   *SortSpec       `yaml:"sort,omitempty" json:"sort"`
	Style  *StyleSpec      `yaml:"style,omitempty" json:"style"`
	// SubLayers selects MVT layers by glob pattern; empty keeps them all
	SubLayers   []string          `yaml:"sublayers,omitempty" json:"sublayers"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers"`
	CrossOrigin string            `yaml:"crossOrigin,omitempty" json:"crossOrigin"`
	// Transparent layers produce premultiplied rasters (*image.RGBA)
	Transparent bool `yaml:"transparent,omitempty" json:"transparent"`
	// Converter names the mesh converter of geometry layers
	Converter string `yaml:"converter,omitempty" json:"converter"`
}

// Layer is the validated, immutable configuration of a tile layer
type Layer struct {
	ID          string
	URL         string
	Protocol    string
	Projection  string
	Extent      orb.Bound
	Zoom        tms.ZoomRange
	Origin      tms.Origin
	Kind        common.Kind
	Format      common.Format
	Filter      Predicate
	Sort        Comparator
	Style       raster.StyleFunc
	Headers     map[string]string
	CrossOrigin string
	Transparent bool
	Converter   string

	subLayers []glob.Glob
}

// New validates spec and compiles its expressions. Every error wraps
// common.ErrConfiguration.
func New(spec Spec, reprojector crs.Reprojector) (*Layer, error) {
	if reprojector == nil {
		reprojector = crs.Default
	}
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: layer without id", common.ErrConfiguration)
	}
	if spec.URL == "" {
		return nil, fmt.Errorf("%w: missing url for layer '%s'", common.ErrConfiguration, spec.ID)
	}
	if !tms.HasPlaceholders(spec.URL) {
		return nil, fmt.Errorf("%w: url of layer '%s' has no tile placeholders", common.ErrConfiguration, spec.ID)
	}
	if len(spec.Extent) == 0 {
		return nil, fmt.Errorf("%w: missing extent property for layer '%s'", common.ErrConfiguration, spec.ID)
	}
	if spec.Projection == "" {
		return nil, fmt.Errorf("%w: missing projection property for layer '%s'", common.ErrConfiguration, spec.ID)
	}
	if !reprojector.Supports(spec.Projection) {
		return nil, fmt.Errorf("%w: unsupported projection %s for layer '%s'", common.ErrConfiguration, spec.Projection, spec.ID)
	}
	if len(spec.Extent) != 4 || spec.Extent[0] > spec.Extent[2] || spec.Extent[1] > spec.Extent[3] {
		return nil, fmt.Errorf("%w: extent of layer '%s' must be [minX, minY, maxX, maxY]", common.ErrConfiguration, spec.ID)
	}

	l := &Layer{
		ID:          spec.ID,
		URL:         spec.URL,
		Protocol:    strings.ToLower(spec.Protocol),
		Projection:  crs.Normalize(spec.Projection),
		Extent:      orb.Bound{Min: orb.Point{spec.Extent[0], spec.Extent[1]}, Max: orb.Point{spec.Extent[2], spec.Extent[3]}},
		Zoom:        tms.DefaultZoomRange,
		Headers:     spec.Headers,
		CrossOrigin: spec.CrossOrigin,
		Transparent: spec.Transparent,
		Converter:   spec.Converter,
	}
	if l.Protocol == "" {
		l.Protocol = "tms"
	}

	if spec.Zoom != nil {
		if spec.Zoom.Min > spec.Zoom.Max || spec.Zoom.Max > tms.MaxZoom {
			return nil, fmt.Errorf("%w: invalid zoom range [%d, %d] for layer '%s'", common.ErrConfiguration, spec.Zoom.Min, spec.Zoom.Max, spec.ID)
		}
		l.Zoom = *spec.Zoom
	}

	// xyz servers count rows from the top, plain TMS from the bottom
	switch {
	case spec.Origin != "":
		o, err := tms.ParseOrigin(spec.Origin)
		if err != nil {
			return nil, fmt.Errorf("%w: layer '%s': %w", common.ErrConfiguration, spec.ID, err)
		}
		l.Origin = o
	case l.Protocol == "xyz":
		l.Origin = tms.OriginTop
	default:
		l.Origin = tms.OriginBottom
	}

	kind, err := common.ParseKind(spec.Kind)
	if err != nil {
		return nil, fmt.Errorf("layer '%s': %w", spec.ID, err)
	}
	l.Kind = kind

	format, err := common.ParseFormat(spec.Format)
	if err != nil {
		return nil, fmt.Errorf("layer '%s': %w", spec.ID, err)
	}
	l.Format = format
	if format == common.FormatImage && kind != common.KindColor {
		return nil, fmt.Errorf("%w: image layer '%s' must be of kind color", common.ErrConfiguration, spec.ID)
	}

	if spec.Filter != "" {
		if l.Filter, err = CompilePredicate(spec.Filter); err != nil {
			return nil, fmt.Errorf("layer '%s' filter: %w", spec.ID, err)
		}
	}
	if spec.Sort != nil && spec.Sort.Property != "" {
		l.Sort = spec.Sort.Comparator()
	}

	style := StyleSpec{}
	if spec.Style != nil {
		style = *spec.Style
	}
	if l.Style, err = style.StyleFunc(); err != nil {
		return nil, fmt.Errorf("layer '%s' style: %w", spec.ID, err)
	}

	for _, pattern := range spec.SubLayers {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: layer '%s' sublayer pattern %q: %w", common.ErrConfiguration, spec.ID, pattern, err)
		}
		l.subLayers = append(l.subLayers, g)
	}

	return l, nil
}

// SelectsSubLayer reports whether the MVT layer name is decoded
func (l *Layer) SelectsSubLayer(name string) bool {
	if len(l.subLayers) == 0 {
		return true
	}
	for _, g := range l.subLayers {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Keep applies the filter predicate
func (l *Layer) Keep(f *geojson.Feature) bool {
	return l.Filter == nil || l.Filter(f.Properties)
}

// TileURL builds the resource URL of a tile
func (l *Layer) TileURL(addr tms.Address) string {
	addr.Origin = l.Origin
	return tms.URL(l.URL, addr)
}

// Address builds an address in this layer's row convention
func (l *Layer) Address(zoom, column, row uint32) (tms.Address, error) {
	return tms.NewAddress(zoom, column, row, l.Origin)
}

// InsideLimit reports whether the tile fetched for addr at targetLevel is served
func (l *Layer) InsideLimit(addr tms.Address, targetLevel uint32) bool {
	return tms.InsideLimit(addr, l.Zoom, targetLevel)
}
