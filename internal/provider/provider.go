// Package provider resolves tile requests into cached, decoded artifacts.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tile-pipeline/internal/cache"
	"tile-pipeline/internal/common"
	"tile-pipeline/internal/decode"
	"tile-pipeline/internal/fetcher"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/tms"
)

// ErrOutsideLimit is returned when the tile to fetch lies outside the layer
// zoom range. It is definitive.
var ErrOutsideLimit = errors.New("tile outside layer zoom range")

// Fetcher retrieves raw payloads
type Fetcher interface {
	FetchBytes(ctx context.Context, url string, opts fetcher.Options) ([]byte, error)
}

// forgetter is implemented by fetchers keeping payloads across fetches
type forgetter interface {
	Forget(url string)
}

// Decoder turns a payload into an artifact
type Decoder interface {
	Decode(ctx context.Context, l *layer.Layer, addr tms.Address, payload []byte) (common.Result, error)
}

// Command requests the tile at Address of Layer, fetched at TargetLevel.
// A TargetLevel coarser than the address zoom falls back to an ancestor.
type Command struct {
	Layer       *layer.Layer
	Address     tms.Address
	TargetLevel uint32
}

// Plan is the resolved form of a command
type Plan struct {
	Resolution tms.Resolution
	// URL is the resource fetched, also the cache key
	URL string
}

// Config configures a Provider
type Config struct {
	Fetcher   Fetcher
	Decoder   Decoder
	Resources *cache.Resources[common.Result]
	Logger    *slog.Logger
}

// Provider executes tile commands. Concurrent commands resolving to the same
// URL share one fetch and one decode.
type Provider struct {
	fetcher   Fetcher
	decoder   Decoder
	resources *cache.Resources[common.Result]
	logger    *slog.Logger
}

// New creates a provider
func New(cfg Config) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resources == nil {
		cfg.Resources = cache.NewResources[common.Result]("tiles", cfg.Logger)
	}
	if cfg.Decoder == nil {
		cfg.Decoder = decode.NewPipeline(decode.Config{Logger: cfg.Logger})
	}
	return &Provider{
		fetcher:   cfg.Fetcher,
		decoder:   cfg.Decoder,
		resources: cfg.Resources,
		logger:    cfg.Logger.With("component", "provider"),
	}
}

// Plan resolves cmd to the resource to fetch
func (p *Provider) Plan(cmd Command) (Plan, error) {
	if cmd.Layer == nil {
		return Plan{}, fmt.Errorf("%w: command without layer", common.ErrConfiguration)
	}
	addr := cmd.Address
	addr.Origin = cmd.Layer.Origin
	if err := addr.Validate(); err != nil {
		return Plan{}, err
	}

	res := tms.Resolve(addr, cmd.TargetLevel)
	if !cmd.Layer.Zoom.Contains(res.Fetch.Zoom) {
		return Plan{Resolution: res}, fmt.Errorf("%w: %s level %d not in [%d, %d]",
			ErrOutsideLimit, cmd.Layer.ID, res.Fetch.Zoom, cmd.Layer.Zoom.Min, cmd.Layer.Zoom.Max)
	}
	return Plan{Resolution: res, URL: cmd.Layer.TileURL(res.Fetch)}, nil
}

// Cached reports whether the artifact of plan is already decoded
func (p *Provider) Cached(plan Plan) bool {
	_, ok := p.resources.Get(plan.URL)
	return ok
}

// Execute returns the artifact for cmd. Rasters carry the pitch locating the
// requested tile inside the fetched one.
func (p *Provider) Execute(ctx context.Context, cmd Command) (common.Result, error) {
	plan, err := p.Plan(cmd)
	if err != nil {
		return nil, err
	}
	l := cmd.Layer
	fetched := plan.Resolution.Fetch

	res, err := p.resources.Acquire(ctx, plan.URL, func(ctx context.Context) (common.Result, error) {
		payload, err := p.fetcher.FetchBytes(ctx, plan.URL, fetcher.Options{
			Headers:     l.Headers,
			CrossOrigin: l.CrossOrigin,
		})
		if err != nil {
			return nil, err
		}
		res, err := p.decoder.Decode(ctx, l, fetched, payload)
		var derr *decode.DecodeError
		if errors.As(err, &derr) {
			if f, ok := p.fetcher.(forgetter); ok {
				f.Forget(plan.URL)
			}
		}
		return res, err
	})
	if err != nil {
		p.logger.Debug("tile failed", "layer", l.ID, "tile", cmd.Address, "url", plan.URL, "error", err)
		return nil, err
	}

	if r, ok := res.(common.Raster); ok {
		return r.WithPitch(plan.Resolution.Pitch), nil
	}
	return res, nil
}

// Invalidate drops the cached artifact of cmd
func (p *Provider) Invalidate(cmd Command) error {
	plan, err := p.Plan(cmd)
	if err != nil {
		return err
	}
	p.resources.Invalidate(plan.URL)
	return nil
}
