// Package crs converts coordinates between the reference systems tile layers are
// declared in.
package crs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	WGS84       = "EPSG:4326"
	WebMercator = "EPSG:3857"
)

// ErrUnsupported is returned for a code the reprojector cannot handle
var ErrUnsupported = errors.New("unsupported projection")

// Reprojector converts points between coordinate reference systems
type Reprojector interface {
	Reproject(p orb.Point, from, to string) (orb.Point, error)
	Supports(code string) bool
}

// Normalize canonicalizes a CRS code ("epsg:900913" and "EPSG:3857" are the same)
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch code {
	case "EPSG:900913", "EPSG:102100", "EPSG:102113":
		return WebMercator
	case "CRS:84", "WGS84":
		return WGS84
	}
	return code
}

type defaultReprojector struct{}

// Default handles EPSG:4326 and EPSG:3857
var Default Reprojector = defaultReprojector{}

func (defaultReprojector) Supports(code string) bool {
	switch Normalize(code) {
	case WGS84, WebMercator:
		return true
	}
	return false
}

func (r defaultReprojector) Reproject(p orb.Point, from, to string) (orb.Point, error) {
	from, to = Normalize(from), Normalize(to)
	if !r.Supports(from) {
		return p, fmt.Errorf("%w: %s", ErrUnsupported, from)
	}
	if !r.Supports(to) {
		return p, fmt.Errorf("%w: %s", ErrUnsupported, to)
	}
	if from == to {
		return p, nil
	}
	if from == WGS84 {
		return project.WGS84.ToMercator(p), nil
	}
	return project.Mercator.ToWGS84(p), nil
}

// Geometry reprojects every point of g. The geometry is copied, g is left untouched.
func Geometry(r Reprojector, g orb.Geometry, from, to string) (orb.Geometry, error) {
	if g == nil || Normalize(from) == Normalize(to) {
		return g, nil
	}

	var err error
	out := project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		if err != nil {
			return p
		}
		var q orb.Point
		q, err = r.Reproject(p, from, to)
		return q
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Bound reprojects the corners of b
func Bound(r Reprojector, b orb.Bound, from, to string) (orb.Bound, error) {
	lo, err := r.Reproject(b.Min, from, to)
	if err != nil {
		return b, err
	}
	hi, err := r.Reproject(b.Max, from, to)
	if err != nil {
		return b, err
	}
	return orb.Bound{Min: lo, Max: hi}, nil
}
