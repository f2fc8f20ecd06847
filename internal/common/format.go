package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration marks a layer setup error. It is never retried.
var ErrConfiguration = errors.New("configuration error")

// Format is the payload format served by a layer
type Format string

const (
	FormatMVT     Format = "mvt"
	FormatGeoJSON Format = "geojson"
	FormatImage   Format = "image"
)

// ParseFormat accepts a short name or a mimetype
// Accepted values: "mvt", "geojson", "image", or e.g. "application/x-protobuf;type=mapbox-vector", "image/png"
func ParseFormat(s string) (Format, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "", v == "mvt", v == "pbf", strings.HasPrefix(v, "application/x-protobuf"), v == "application/vnd.mapbox-vector-tile":
		return FormatMVT, nil
	case v == "geojson", v == "application/geo+json", v == "application/json":
		return FormatGeoJSON, nil
	case v == "image", strings.HasPrefix(v, "image/"):
		return FormatImage, nil
	default:
		return "", fmt.Errorf("%w: invalid format %q (must be 'mvt', 'geojson', or 'image')", ErrConfiguration, s)
	}
}

// Vector reports whether the payload carries features
func (f Format) Vector() bool {
	return f == FormatMVT || f == FormatGeoJSON
}

// Kind tells what a layer produces for a tile
type Kind string

const (
	KindColor    Kind = "color"
	KindGeometry Kind = "geometry"
)

// ParseKind validates a layer kind
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindColor, KindGeometry:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown layer kind %q", ErrConfiguration, s)
	}
}
