package prefetch_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/prefetch"
	"tile-pipeline/internal/provider"
	"tile-pipeline/internal/tms"
)

var red = color.NRGBA{R: 255, A: 255}

type solidExecutor struct {
	calls  atomic.Int32
	failAt map[tms.Address]bool
}

func (s *solidExecutor) Execute(_ context.Context, cmd provider.Command) (common.Result, error) {
	s.calls.Add(1)
	key := cmd.Address
	key.Origin = tms.OriginTop
	if s.failAt[key] {
		return nil, errors.New("boom")
	}
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), image.NewUniform(red), image.Point{}, draw.Src)
	return common.Raster{Image: img, Pitch: tms.IdentityPitch, Fetched: cmd.Address}, nil
}

func newLayer(t *testing.T) *layer.Layer {
	t.Helper()
	l, err := layer.New(layer.Spec{
		ID:         "imagery",
		URL:        "https://tiles.example.com/{z}/{x}/{y}.png",
		Protocol:   "xyz",
		Projection: "EPSG:3857",
		Extent:     []float64{-20037508.34, -20037508.34, 20037508.34, 20037508.34},
		Kind:       "color",
		Format:     "image/png",
	}, nil)
	require.NoError(t, err)
	return l
}

var world = prefetch.BoundingBox{South: -85, West: -180, North: 85, East: 180}

func TestPlan(t *testing.T) {
	l := newLayer(t)

	tiles, bounds, err := prefetch.Plan(l, world, 2)
	require.NoError(t, err)
	assert.Len(t, tiles, 16)
	assert.Equal(t, common.TileBounds{MinCol: 0, MaxCol: 3, MinRow: 0, MaxRow: 3}, bounds)
	assert.Equal(t, tms.Address{Zoom: 2, Column: 0, Row: 0, Origin: tms.OriginTop}, tiles[0])

	_, _, err = prefetch.Plan(l, world, 19)
	assert.ErrorIs(t, err, provider.ErrOutsideLimit)

	_, _, err = prefetch.Plan(l, prefetch.BoundingBox{South: 10, North: 5, West: 0, East: 1}, 2)
	assert.Error(t, err)
}

func TestBoundingBox_Validate(t *testing.T) {
	assert.NoError(t, world.Validate())
	assert.Error(t, prefetch.BoundingBox{South: 0, North: 1, West: 5, East: 5}.Validate())
	assert.Error(t, prefetch.BoundingBox{South: -91, North: 1, West: 0, East: 5}.Validate())
	assert.Error(t, prefetch.BoundingBox{South: 0, North: 1, West: -181, East: 5}.Validate())
}

func TestRun(t *testing.T) {
	l := newLayer(t)
	tiles, _, err := prefetch.Plan(l, world, 2)
	require.NoError(t, err)

	exec := &solidExecutor{failAt: map[tms.Address]bool{{Zoom: 2, Column: 1, Row: 1}: true}}
	var mu sync.Mutex
	var updates []prefetch.Progress
	p := prefetch.New(prefetch.Config{
		Executor:  exec,
		Workers:   3,
		BatchSize: 5,
		Progress: func(pr prefetch.Progress) {
			mu.Lock()
			updates = append(updates, pr)
			mu.Unlock()
		},
	})

	summary, results, err := p.Run(context.Background(), l, tiles)
	require.NoError(t, err)
	assert.Equal(t, prefetch.Summary{Total: 16, Succeeded: 15, Failed: 1, Bounds: common.TileBounds{MaxCol: 3, MaxRow: 3}}, summary)
	assert.Equal(t, int32(16), exec.calls.Load())

	require.Len(t, results, 16)
	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, tiles[i], res.Address)
	}

	require.Len(t, updates, 16)
	last := updates[len(updates)-1]
	assert.Equal(t, 16, last.Done)
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, 100, last.Percent)
}

func TestRun_Cancelled(t *testing.T) {
	l := newLayer(t)
	tiles, _, err := prefetch.Plan(l, world, 2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = prefetch.New(prefetch.Config{Executor: &solidExecutor{}}).Run(ctx, l, tiles)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMosaicAndExport(t *testing.T) {
	l := newLayer(t)
	tiles, bounds, err := prefetch.Plan(l, world, 1)
	require.NoError(t, err)
	require.Len(t, tiles, 4)

	exec := &solidExecutor{failAt: map[tms.Address]bool{{Zoom: 1, Column: 1, Row: 0}: true}}
	_, results, err := prefetch.New(prefetch.Config{Executor: exec}).Run(context.Background(), l, tiles)
	require.NoError(t, err)

	img, drawn := prefetch.Mosaic(results, bounds, 16)
	assert.Equal(t, 3, drawn)
	assert.Equal(t, image.Rect(0, 0, 32, 32), img.Bounds())
	assert.Equal(t, red, img.NRGBAAt(4, 4))
	assert.Equal(t, color.NRGBA{}, img.NRGBAAt(20, 4))
	assert.Equal(t, red, img.NRGBAAt(20, 20))

	var buf bytes.Buffer
	require.NoError(t, prefetch.ExportGeoTIFF(&buf, results, bounds, 1, "imagery z1"))
	decoded, err := tiff.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 512, 512), decoded.Bounds())

	footprint, err := prefetch.MercatorBound(bounds, 1)
	require.NoError(t, err)
	assert.InDelta(t, -20037508.34, footprint.Min.X(), 1)
	assert.InDelta(t, 20037508.34, footprint.Max.Y(), 1)
}

func TestExportGeoTIFF_NothingToExport(t *testing.T) {
	var buf bytes.Buffer
	err := prefetch.ExportGeoTIFF(&buf, []common.TileResult{{Err: errors.New("x")}}, common.TileBounds{}, 0, "")
	assert.Error(t, err)
}
