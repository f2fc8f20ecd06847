package tms_test

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-pipeline/internal/tms"
)

func TestResolve_FallbackToAncestor(t *testing.T) {
	addr := tms.Address{Zoom: 4, Column: 5, Row: 3, Origin: tms.OriginTop}

	res := tms.Resolve(addr, 2)

	assert.True(t, res.Fallback())
	assert.Equal(t, tms.Address{Zoom: 2, Column: 1, Row: 0, Origin: tms.OriginTop}, res.Fetch)
	assert.Equal(t, tms.Pitch{OffsetX: 0.25, OffsetY: 0.75, ScaleX: 0.25, ScaleY: 0.25}, res.Pitch)
}

func TestResolve_NativeLevel(t *testing.T) {
	addr := tms.Address{Zoom: 4, Column: 5, Row: 3}

	for _, target := range []uint32{4, 5, 20} {
		res := tms.Resolve(addr, target)
		assert.False(t, res.Fallback())
		assert.Equal(t, addr, res.Fetch)
		assert.True(t, res.Pitch.IsIdentity())
	}
}

func TestAddress_PitchCoversAncestor(t *testing.T) {
	// the four children of a tile tile its image exactly
	parent := tms.Address{Zoom: 3, Column: 2, Row: 6}
	var area float64
	for dx := uint32(0); dx < 2; dx++ {
		for dy := uint32(0); dy < 2; dy++ {
			child := tms.Address{Zoom: 4, Column: 4 + dx, Row: 12 + dy}
			require.Equal(t, parent, child.AncestorAt(3))
			p := child.PitchIn(parent)
			assert.Equal(t, float64(dx)/2, p.OffsetX)
			assert.Equal(t, float64(dy)/2, p.OffsetY)
			area += p.ScaleX * p.ScaleY
		}
	}
	assert.Equal(t, 1.0, area)
}

func TestAddress_SchemeRow(t *testing.T) {
	bottom := tms.Address{Zoom: 3, Column: 0, Row: 2, Origin: tms.OriginBottom}
	top := tms.Address{Zoom: 3, Column: 0, Row: 2, Origin: tms.OriginTop}

	assert.Equal(t, uint32(5), bottom.SchemeRow())
	assert.Equal(t, uint32(2), top.SchemeRow())
}

func TestFromSchemeRow(t *testing.T) {
	addr, err := tms.FromSchemeRow(3, 1, 5, tms.OriginBottom)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), addr.Row)
	assert.Equal(t, uint32(5), addr.SchemeRow())

	_, err = tms.FromSchemeRow(3, 1, 8, tms.OriginBottom)
	assert.ErrorIs(t, err, tms.ErrInvalidAddress)
}

func TestAddress_Validate(t *testing.T) {
	tests := []struct {
		name string
		addr tms.Address
		ok   bool
	}{
		{"root", tms.Address{}, true},
		{"last tile", tms.Address{Zoom: 2, Column: 3, Row: 3}, true},
		{"column overflow", tms.Address{Zoom: 2, Column: 4, Row: 0}, false},
		{"row overflow", tms.Address{Zoom: 0, Column: 0, Row: 1}, false},
		{"zoom overflow", tms.Address{Zoom: 31}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.addr.Valid())
		})
	}
}

func TestInsideLimit(t *testing.T) {
	zoom := tms.ZoomRange{Min: 2, Max: 10}
	addr := tms.Address{Zoom: 12, Column: 100, Row: 200}

	assert.False(t, tms.InsideLimit(addr, zoom, 12))
	assert.True(t, tms.InsideLimit(addr, zoom, 10))
	assert.True(t, tms.InsideLimit(addr, zoom, 2))
	assert.False(t, tms.InsideLimit(addr, zoom, 1))
}

func TestParseOrigin(t *testing.T) {
	o, err := tms.ParseOrigin("Bottom")
	require.NoError(t, err)
	assert.Equal(t, tms.OriginBottom, o)

	_, err = tms.ParseOrigin("left")
	assert.Error(t, err)
}

func TestAddress_TileMatchesBound(t *testing.T) {
	addr := tms.Address{Zoom: 1, Column: 1, Row: 0}
	b := addr.Bound()

	assert.InDelta(t, 0, b.Min.Lon(), 1e-9)
	assert.InDelta(t, 180, b.Max.Lon(), 1e-9)
	assert.InDelta(t, 0, b.Min.Lat(), 1e-9)
	assert.Greater(t, b.Max.Lat(), 85.0)
}

func TestAt(t *testing.T) {
	// Paris
	addr := tms.At(48.8566, 2.3522, 10, tms.OriginTop)
	assert.Equal(t, tms.Address{Zoom: 10, Column: 518, Row: 352}, addr)

	corner := tms.At(-90, 200, 3, tms.OriginTop)
	assert.Equal(t, uint32(7), corner.Column)
	assert.Equal(t, uint32(7), corner.Row)
}

func TestCoverBound(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}}

	tiles := tms.CoverBound(bound, 1, tms.OriginBottom)

	require.Len(t, tiles, 4)
	assert.Equal(t, tms.Address{Zoom: 1, Column: 0, Row: 0, Origin: tms.OriginBottom}, tiles[0])
	assert.Equal(t, tms.Address{Zoom: 1, Column: 1, Row: 1, Origin: tms.OriginBottom}, tiles[3])
}

func TestBatch(t *testing.T) {
	tiles := make([]tms.Address, 25)

	batches := tms.Batch(tiles, 10)

	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 5)
	assert.Len(t, tms.Batch(tiles, 0), 3)
}
