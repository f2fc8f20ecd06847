package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

type tileOrigin struct {
	mu    sync.Mutex
	paths []string
	fail  map[string]int
}

func (o *tileOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.paths = append(o.paths, r.URL.Path)
	status := o.fail[r.URL.Path]
	o.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.NRGBA{G: 200, A: 255}), image.Point{}, draw.Src)
	w.Header().Set("Content-Type", "image/png")
	_ = png.Encode(w, img)
}

func (o *tileOrigin) requested() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.paths...)
}

func writeSettings(t *testing.T, origin *tileOrigin) string {
	t.Helper()
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	settings := fmt.Sprintf(`
logLevel: error
cache:
  dir: %s
layers:
  - id: imagery
    url: %s/{z}/{x}/{y}.png
    protocol: xyz
    projection: EPSG:3857
    extent: [-20037508.34, -20037508.34, 20037508.34, 20037508.34]
    zoom: {min: 1, max: 5}
    kind: color
    format: image/png
`, filepath.Join(dir, "cache"), srv.URL)

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(settings), 0644))
	return path
}

func TestRun_Commands(t *testing.T) {
	assert.Error(t, run(context.Background(), []string{"explode"}))
	assert.NoError(t, run(context.Background(), []string{"help"}))
	assert.Error(t, run(context.Background(), []string{"fetch", "imagery", "1"}))
	assert.Error(t, run(context.Background(), []string{"prefetch", "imagery"}))
}

func TestFetch_RefinesUpToZoom(t *testing.T) {
	origin := &tileOrigin{}
	settings := writeSettings(t, origin)
	out := filepath.Join(t.TempDir(), "tile.png")

	// target 0 is below the layer range and starts at 1
	err := run(context.Background(), []string{"fetch", "-c", settings, "-o", out, "--target", "0", "imagery", "3", "2", "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/1/0/0.png", "/2/1/1.png", "/3/2/2.png"}, origin.requested())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	assert.Equal(t, color.NRGBA{G: 200, A: 255}, color.NRGBAModel.Convert(img.At(10, 10)))
}

func TestFetch_AboveMaxZoomUsesFinestLevel(t *testing.T) {
	origin := &tileOrigin{}
	settings := writeSettings(t, origin)
	out := filepath.Join(t.TempDir(), "tile.png")

	err := run(context.Background(), []string{"fetch", "-c", settings, "-o", out, "--target", "3", "imagery", "7", "40", "40"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/3/2/2.png", "/4/5/5.png", "/5/10/10.png"}, origin.requested())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	assert.Equal(t, color.NRGBA{G: 200, A: 255}, color.NRGBAModel.Convert(img.At(200, 200)))
}

func TestFetch_FinerLevelMissingKeepsCoarser(t *testing.T) {
	origin := &tileOrigin{fail: map[string]int{"/3/2/2.png": http.StatusNotFound}}
	settings := writeSettings(t, origin)
	out := filepath.Join(t.TempDir(), "tile.png")

	err := run(context.Background(), []string{"fetch", "-c", settings, "-o", out, "--target", "2", "imagery", "3", "2", "2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/2/1/1.png", "/3/2/2.png"}, origin.requested())

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())
}

func TestFetch_DefinitiveFailure(t *testing.T) {
	origin := &tileOrigin{fail: map[string]int{"/2/1/1.png": http.StatusNotFound}}
	settings := writeSettings(t, origin)

	err := run(context.Background(), []string{"fetch", "-c", settings, "-o", filepath.Join(t.TempDir(), "x.png"), "imagery", "2", "1", "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Len(t, origin.requested(), 1)
}

func TestFetch_GeoTIFF(t *testing.T) {
	settings := writeSettings(t, &tileOrigin{})
	out := filepath.Join(t.TempDir(), "tile.tif")

	require.NoError(t, run(context.Background(), []string{"fetch", "-c", settings, "-o", out, "--geotiff", "imagery", "2", "1", "1"}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	img, err := tiff.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
}

func TestPrefetch_ExportsMosaic(t *testing.T) {
	origin := &tileOrigin{}
	settings := writeSettings(t, origin)
	out := filepath.Join(t.TempDir(), "area.tif")

	err := run(context.Background(), []string{
		"prefetch", "-c", settings, "--bbox", "-85,-180,85,180", "--zoom", "1", "--geotiff", out, "imagery",
	})
	require.NoError(t, err)
	assert.Len(t, origin.requested(), 4)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	img, err := tiff.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 512, 512), img.Bounds())
}

func TestPrefetch_OutsideZoomRange(t *testing.T) {
	settings := writeSettings(t, &tileOrigin{})
	err := run(context.Background(), []string{"prefetch", "-c", settings, "--bbox", "0,0,1,1", "--zoom", "9", "imagery"})
	assert.Error(t, err)
}

func TestCache(t *testing.T) {
	origin := &tileOrigin{}
	settings := writeSettings(t, origin)

	require.NoError(t, run(context.Background(), []string{"fetch", "-c", settings, "-o", filepath.Join(t.TempDir(), "a.png"), "imagery", "1", "0", "0"}))
	require.NoError(t, run(context.Background(), []string{"cache", "-c", settings, "stats"}))

	// a new process finds the payload on disk
	require.NoError(t, run(context.Background(), []string{"fetch", "-c", settings, "-o", filepath.Join(t.TempDir(), "b.png"), "imagery", "1", "0", "0"}))
	assert.Len(t, origin.requested(), 1)

	require.NoError(t, run(context.Background(), []string{"cache", "-c", settings, "clear"}))
	require.NoError(t, run(context.Background(), []string{"fetch", "-c", settings, "-o", filepath.Join(t.TempDir(), "c.png"), "imagery", "1", "0", "0"}))
	assert.Len(t, origin.requested(), 2)
	assert.Error(t, run(context.Background(), []string{"cache", "-c", settings, "shrink"}))
}
