// Package prefetch warms the resource cache for an area and exports mosaics.
package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/provider"
	"tile-pipeline/internal/tms"
)

const (
	DefaultWorkers   = 10
	DefaultBatchSize = 64

	// MaxTiles bounds a single prefetch
	MaxTiles = 1 << 16
)

// BoundingBox is a WGS84 area
type BoundingBox struct {
	South float64 `json:"south" yaml:"south"`
	West  float64 `json:"west" yaml:"west"`
	North float64 `json:"north" yaml:"north"`
	East  float64 `json:"east" yaml:"east"`
}

// Validate checks the box is well formed
func (b BoundingBox) Validate() error {
	if b.South >= b.North {
		return fmt.Errorf("south (%f) must be less than north (%f)", b.South, b.North)
	}
	if b.West >= b.East {
		return fmt.Errorf("west (%f) must be less than east (%f)", b.West, b.East)
	}
	if b.South < -90 || b.North > 90 {
		return fmt.Errorf("latitude out of range [-90, 90]: south=%f, north=%f", b.South, b.North)
	}
	if b.West < -180 || b.East > 180 {
		return fmt.Errorf("longitude out of range [-180, 180]: west=%f, east=%f", b.West, b.East)
	}
	return nil
}

// Bound returns the box as an orb bound
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Progress reports a running prefetch
type Progress struct {
	Done    int    `json:"done"`
	Failed  int    `json:"failed"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// Summary is the outcome of a prefetch
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Bounds    common.TileBounds
}

// Executor runs provider commands
type Executor interface {
	Execute(ctx context.Context, cmd provider.Command) (common.Result, error)
}

// Telemetry receives notable events
type Telemetry interface {
	Capture(event string, properties map[string]any)
}

// Config configures a Prefetcher
type Config struct {
	Executor  Executor
	Workers   int
	BatchSize int
	Progress  func(Progress)
	Telemetry Telemetry
	Logger    *slog.Logger
}

// Prefetcher fetches every tile of an area through the provider
type Prefetcher struct {
	exec      Executor
	workers   int
	batchSize int
	progress  func(Progress)
	telemetry Telemetry
	logger    *slog.Logger
}

// New creates a prefetcher
func New(cfg Config) *Prefetcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Prefetcher{
		exec:      cfg.Executor,
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		progress:  cfg.Progress,
		telemetry: cfg.Telemetry,
		logger:    cfg.Logger.With("component", "prefetch"),
	}
}

// Plan lists the tiles of l covering bbox at zoom, row by row from the north west
func Plan(l *layer.Layer, bbox BoundingBox, zoom uint32) ([]tms.Address, common.TileBounds, error) {
	if err := bbox.Validate(); err != nil {
		return nil, common.TileBounds{}, fmt.Errorf("invalid bounding box: %w", err)
	}
	if !l.Zoom.Contains(zoom) {
		return nil, common.TileBounds{}, fmt.Errorf("%w: zoom %d not in [%d, %d] for layer '%s'",
			provider.ErrOutsideLimit, zoom, l.Zoom.Min, l.Zoom.Max, l.ID)
	}

	tiles := tms.CoverBound(bbox.Bound(), zoom, l.Origin)
	if len(tiles) > MaxTiles {
		return nil, common.TileBounds{}, fmt.Errorf("area covers %d tiles, limit is %d", len(tiles), MaxTiles)
	}
	bounds, err := common.CalculateTileBounds(tiles)
	if err != nil {
		return nil, common.TileBounds{}, fmt.Errorf("failed to calculate tile bounds: %w", err)
	}
	return tiles, bounds, nil
}

// Run fetches tiles at their native level. Tile failures are reported in
// the results, only cancellation aborts the run. Results keep the order of tiles.
func (p *Prefetcher) Run(ctx context.Context, l *layer.Layer, tiles []tms.Address) (Summary, []common.TileResult, error) {
	total := len(tiles)
	summary := Summary{Total: total}
	if total == 0 {
		return summary, nil, nil
	}
	summary.Bounds, _ = common.CalculateTileBounds(tiles)

	p.logger.Info("prefetch started", "layer", l.ID, "tiles", total, "workers", p.workers)

	results := make([]common.TileResult, total)
	var done, failed atomic.Int64
	var progressMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	index := 0
	for _, batch := range tms.Batch(tiles, p.batchSize) {
		for _, addr := range batch {
			i := index
			index++
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := p.exec.Execute(gctx, provider.Command{Layer: l, Address: addr, TargetLevel: addr.Zoom})
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				results[i] = common.TileResult{Address: addr, Result: res, Err: err, Index: i}
				if err != nil {
					failed.Add(1)
					p.logger.Debug("tile failed", "layer", l.ID, "tile", addr, "error", err)
				}

				progressMu.Lock()
				p.emit(int(done.Add(1)), int(failed.Load()), total)
				progressMu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return summary, nil, err
	}

	summary.Failed = int(failed.Load())
	summary.Succeeded = total - summary.Failed
	p.logger.Info("prefetch finished", "layer", l.ID, "tiles", total, "failed", summary.Failed)

	if p.telemetry != nil {
		p.telemetry.Capture("prefetch_complete", map[string]any{
			"layer":   l.ID,
			"total":   total,
			"success": summary.Succeeded,
			"failed":  summary.Failed,
		})
	}
	return summary, results, nil
}

func (p *Prefetcher) emit(done, failed, total int) {
	if p.progress == nil {
		return
	}
	p.progress(Progress{
		Done:    done,
		Failed:  failed,
		Total:   total,
		Percent: done * 100 / total,
		Status:  fmt.Sprintf("Fetched %d/%d tiles", done, total),
	})
}
