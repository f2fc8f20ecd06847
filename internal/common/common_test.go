package common_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/tms"
)

func TestParseFormat(t *testing.T) {
	tests := map[string]common.Format{
		"":                                          common.FormatMVT,
		"application/x-protobuf;type=mapbox-vector": common.FormatMVT,
		"GeoJSON":                                   common.FormatGeoJSON,
		"image/png":                                 common.FormatImage,
	}
	for in, want := range tests {
		got, err := common.ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := common.ParseFormat("text/html")
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestParseKind(t *testing.T) {
	k, err := common.ParseKind("Color")
	require.NoError(t, err)
	assert.Equal(t, common.KindColor, k)

	_, err = common.ParseKind("elevation")
	assert.ErrorIs(t, err, common.ErrConfiguration)
}

func TestCalculateTileBounds(t *testing.T) {
	tiles := []tms.Address{
		{Zoom: 5, Column: 3, Row: 9},
		{Zoom: 5, Column: 7, Row: 4},
		{Zoom: 5, Column: 5, Row: 6},
	}

	b, err := common.CalculateTileBounds(tiles)
	require.NoError(t, err)
	assert.Equal(t, common.TileBounds{MinCol: 3, MaxCol: 7, MinRow: 4, MaxRow: 9}, b)
	assert.Equal(t, 30, b.Count())

	_, err = common.CalculateTileBounds([]tms.Address{})
	assert.Error(t, err)
}

func TestRaster_WithPitch(t *testing.T) {
	r := common.Raster{Pitch: tms.IdentityPitch}
	p := tms.Pitch{OffsetX: 0.5, ScaleX: 0.5, ScaleY: 0.5}

	moved := r.WithPitch(p)

	assert.Equal(t, p, moved.Pitch)
	assert.True(t, r.Pitch.IsIdentity())
}
