package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"slices"

	"github.com/paulmach/orb/geojson"
	_ "golang.org/x/image/webp"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/crs"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/metrics"
	"tile-pipeline/internal/raster"
	"tile-pipeline/internal/tms"
)

// DecodeError is returned for payloads that cannot be decoded. Retrying the
// same resource will not help.
type DecodeError struct {
	Layer   string
	Address tms.Address
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s tile %s: %v", e.Layer, e.Address, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Config configures a Pipeline
type Config struct {
	Reprojector crs.Reprojector
	Converters  *Converters
	// TileSize is the edge of rasterized tiles, raster.TileSize by default
	TileSize int
	Logger   *slog.Logger
}

// Pipeline decodes payloads into artifacts. It holds no per tile state and is
// safe for concurrent use.
type Pipeline struct {
	reprojector crs.Reprojector
	converters  *Converters
	tileSize    int
	codecs      map[common.Format]Codec
	logger      *slog.Logger
}

// NewPipeline creates a decode pipeline
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Reprojector == nil {
		cfg.Reprojector = crs.Default
	}
	if cfg.Converters == nil {
		cfg.Converters = NewConverters()
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = raster.TileSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		reprojector: cfg.Reprojector,
		converters:  cfg.Converters,
		tileSize:    cfg.TileSize,
		codecs: map[common.Format]Codec{
			common.FormatMVT:     MVTCodec{},
			common.FormatGeoJSON: GeoJSONCodec{},
		},
		logger: cfg.Logger.With("component", "decode"),
	}
}

// Decode turns the payload fetched for addr into the artifact of layer l.
// The result carries the identity pitch; callers reposition it.
func (p *Pipeline) Decode(ctx context.Context, l *layer.Layer, addr tms.Address, payload []byte) (common.Result, error) {
	res, err := p.decode(ctx, l, addr, payload)

	result := metrics.ResultSuccess
	switch {
	case errors.Is(err, common.ErrConfiguration):
		result = metrics.ResultDefinitive
	case err != nil:
		var de *DecodeError
		if errors.As(err, &de) {
			result = metrics.ResultDefinitive
		} else {
			result = metrics.ResultTransient
		}
	}
	metrics.DecodeTotal.WithLabelValues(l.ID, string(l.Kind), result).Inc()
	return res, err
}

func (p *Pipeline) decode(ctx context.Context, l *layer.Layer, addr tms.Address, payload []byte) (common.Result, error) {
	if l.Format == common.FormatImage {
		return p.decodeImage(l, addr, payload)
	}

	codec, ok := p.codecs[l.Format]
	if !ok {
		return nil, fmt.Errorf("%w: no codec for format %q", common.ErrConfiguration, l.Format)
	}
	layers, err := codec.Decode(payload)
	if err != nil {
		return nil, &DecodeError{Layer: l.ID, Address: addr, Err: err}
	}

	c, err := Normalize(p.reprojector, l, addr, layers, codec.TileLocal())
	if err != nil {
		return nil, &DecodeError{Layer: l.ID, Address: addr, Err: err}
	}
	decoded := c.Len()

	if l.Filter != nil {
		c.Features = slices.DeleteFunc(c.Features, func(f *geojson.Feature) bool { return !l.Keep(f) })
	}
	if l.Sort != nil {
		slices.SortStableFunc(c.Features, l.Sort)
	}

	p.logger.Debug("decoded tile", "layer", l.ID, "tile", addr, "decoded", decoded, "kept", c.Len())
	return p.materialize(ctx, l, addr, c)
}

func (p *Pipeline) materialize(ctx context.Context, l *layer.Layer, addr tms.Address, c *Collection) (common.Result, error) {
	switch l.Kind {
	case common.KindColor:
		img := raster.Rasterize(c.Features, c.Extent, p.tileSize, l.Style)
		return common.Raster{Image: colorImage(l, img), Pitch: tms.IdentityPitch, Fetched: addr, Features: c.Len()}, nil

	case common.KindGeometry:
		conv, err := p.converters.Lookup(l.Converter)
		if err != nil {
			return nil, fmt.Errorf("layer '%s': %w", l.ID, err)
		}
		asset, err := conv.Convert(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s tile %s: %w", l.ID, addr, err)
		}
		return common.Mesh{Asset: asset, Features: c.Len(), Fetched: addr}, nil

	default:
		return nil, fmt.Errorf("%w: unknown layer kind %q for layer '%s'", common.ErrConfiguration, l.Kind, l.ID)
	}
}

func (p *Pipeline) decodeImage(l *layer.Layer, addr tms.Address, payload []byte) (common.Result, error) {
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, &DecodeError{Layer: l.ID, Address: addr, Err: err}
	}
	p.logger.Debug("decoded bitmap", "layer", l.ID, "tile", addr, "format", format)
	return common.Raster{Image: colorImage(l, img), Pitch: tms.IdentityPitch, Fetched: addr}, nil
}

// colorImage premultiplies the alpha of transparent layers
func colorImage(l *layer.Layer, img image.Image) image.Image {
	if l.Transparent {
		return raster.Premultiply(img)
	}
	return img
}
