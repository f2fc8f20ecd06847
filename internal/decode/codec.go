// Package decode turns fetched tile payloads into rasters or meshes.
package decode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
)

// Codec splits a payload into named sub-layers of raw features
type Codec interface {
	Decode(payload []byte) (mvt.Layers, error)
	// TileLocal reports whether decoded coordinates are in tile extent units
	// rather than WGS84
	TileLocal() bool
}

// MVTCodec decodes Mapbox Vector Tiles, gzipped or not
type MVTCodec struct{}

func (MVTCodec) Decode(payload []byte) (mvt.Layers, error) {
	if isGzip(payload) {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()

		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to inflate payload: %w", err)
		}
	}
	return mvt.Unmarshal(payload)
}

func (MVTCodec) TileLocal() bool { return true }

// GeoJSONCodec decodes a FeatureCollection into a single unnamed sub-layer
type GeoJSONCodec struct{}

func (GeoJSONCodec) Decode(payload []byte) (mvt.Layers, error) {
	fc, err := geojson.UnmarshalFeatureCollection(payload)
	if err != nil {
		return nil, err
	}
	return mvt.Layers{{Name: "", Features: fc.Features}}, nil
}

func (GeoJSONCodec) TileLocal() bool { return false }

func isGzip(b []byte) bool {
	return len(b) > 2 && b[0] == 0x1f && b[1] == 0x8b
}
