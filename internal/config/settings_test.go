package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-pipeline/internal/config"
	"tile-pipeline/internal/tms"
)

const sample = `
logLevel: debug
server:
  addr: ":9000"
cache:
  maxSizeMB: 64
fetch:
  timeout: 5s
  rateLimitPauses: [10s, 1m]
layers:
  - id: osm
    tilejson: https://tiles.example.com/osm.json
    kind: geometry
    sublayers: ["road*", "water"]
    filter: properties.rank < 3.0
  - id: aerial
    url: https://imagery.example.com/{z}/{x}/{-y}.jpg
    protocol: tms
    projection: EPSG:3857
    extent: [-20037508.34, -20037508.34, 20037508.34, 20037508.34]
    zoom: {min: 2, max: 19}
    kind: color
    format: image/jpeg
    headers:
      X-Api-Key: secret
`

func TestParseSettings(t *testing.T) {
	s, err := config.ParseSettings([]byte(sample))
	require.NoError(t, err)

	level, err := s.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
	assert.Equal(t, ":9000", s.Server.Addr)
	assert.Equal(t, 5*time.Second, s.Fetch.Timeout)
	assert.Equal(t, []time.Duration{10 * time.Second, time.Minute}, s.Fetch.RateLimitPauses)

	// defaults fill the rest
	defaults := config.DefaultSettings()
	assert.Equal(t, 64, s.Cache.MaxSizeMB)
	assert.Equal(t, defaults.Cache.TTLDays, s.Cache.TTLDays)
	assert.Equal(t, defaults.Cache.Dir, s.Cache.Dir)
	assert.Equal(t, defaults.Fetch.UserAgent, s.Fetch.UserAgent)
	assert.Equal(t, defaults.Prefetch, s.Prefetch)
	assert.Empty(t, s.Telemetry.APIKey)

	require.Len(t, s.Layers, 2)
	osm := s.Layers[0]
	assert.Equal(t, "https://tiles.example.com/osm.json", osm.TileJSON)
	assert.Equal(t, []string{"road*", "water"}, osm.SubLayers)
	assert.Equal(t, "properties.rank < 3.0", osm.Filter)

	aerial := s.Layers[1]
	assert.Equal(t, &tms.ZoomRange{Min: 2, Max: 19}, aerial.Zoom)
	assert.Equal(t, []float64{-20037508.34, -20037508.34, 20037508.34, 20037508.34}, aerial.Extent)
	assert.Equal(t, "secret", aerial.Headers["X-Api-Key"])
}

func TestParseSettings_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "syntax", yaml: "layers: [\n"},
		{name: "log level", yaml: "logLevel: loud"},
		{name: "negative pause", yaml: "fetch: {rateLimitPauses: [-1s]}"},
		{name: "layer without id", yaml: "layers: [{url: 'https://x/{z}/{x}/{y}'}]"},
		{name: "duplicate id", yaml: "layers: [{id: a, url: 'https://x/{z}/{x}/{y}'}, {id: a, url: 'https://y/{z}/{x}/{y}'}]"},
		{name: "no source", yaml: "layers: [{id: a}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseSettings([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadSettings_Missing(t *testing.T) {
	s, err := config.LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSettings(), s)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	s, err := config.ParseSettings([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, config.SaveSettings(path, s))

	_, err = os.Stat(path)
	require.NoError(t, err)

	loaded, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
