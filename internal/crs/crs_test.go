package crs_test

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-pipeline/internal/crs"
)

func TestDefault_Reproject(t *testing.T) {
	p, err := crs.Default.Reproject(orb.Point{180, 0}, crs.WGS84, crs.WebMercator)
	require.NoError(t, err)
	assert.InDelta(t, 20037508.342789244, p.X(), 1e-3)
	assert.InDelta(t, 0, p.Y(), 1e-6)

	back, err := crs.Default.Reproject(p, "epsg:900913", "EPSG:4326")
	require.NoError(t, err)
	assert.InDelta(t, 180, back.X(), 1e-9)
}

func TestDefault_SameCodeIsIdentity(t *testing.T) {
	p := orb.Point{2.35, 48.85}
	q, err := crs.Default.Reproject(p, crs.WGS84, "CRS:84")
	require.NoError(t, err)
	assert.Equal(t, p, q)
}

func TestDefault_Unsupported(t *testing.T) {
	assert.False(t, crs.Default.Supports("EPSG:2154"))

	_, err := crs.Default.Reproject(orb.Point{}, "EPSG:2154", crs.WGS84)
	assert.ErrorIs(t, err, crs.ErrUnsupported)
}

func TestGeometry(t *testing.T) {
	line := orb.LineString{{0, 0}, {90, 0}}

	out, err := crs.Geometry(crs.Default, line, crs.WGS84, crs.WebMercator)
	require.NoError(t, err)

	projected := out.(orb.LineString)
	assert.InDelta(t, 10018754.171394622, projected[1].X(), 1e-3)
	// the input is not modified
	assert.Equal(t, orb.Point{90, 0}, line[1])
}

func TestGeometry_PropagatesError(t *testing.T) {
	_, err := crs.Geometry(crs.Default, orb.Point{1, 1}, crs.WGS84, "EPSG:2154")
	assert.ErrorIs(t, err, crs.ErrUnsupported)
}
