package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"tile-pipeline/internal/cache"
	"tile-pipeline/internal/common"
	"tile-pipeline/internal/config"
	"tile-pipeline/internal/crs"
	"tile-pipeline/internal/decode"
	"tile-pipeline/internal/fetcher"
	"tile-pipeline/internal/handlers/tileserver"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/prefetch"
	"tile-pipeline/internal/provider"
	"tile-pipeline/internal/ratelimit"
	"tile-pipeline/internal/telemetry"
	"tile-pipeline/internal/updater"
)

// AppVersion is set at build time
var AppVersion = "dev"

// App wires the pipeline from settings
type App struct {
	settings *config.Settings
	logger   *slog.Logger

	diskCache        *cache.DiskCache
	rateLimitHandler *ratelimit.Handler
	fetcher          *fetcher.Client
	registry         *layer.Registry
	provider         *provider.Provider
	updater          *updater.Updater
	telemetry        *telemetry.Client
}

// NewApp builds every component. Layers with a TileJSON document are
// resolved here, so ctx bounds those fetches.
func NewApp(ctx context.Context, settings *config.Settings, logger *slog.Logger) (*App, error) {
	a := &App{settings: settings, logger: logger}

	telemetry.Version = AppVersion
	var installID string
	if settings.Telemetry.APIKey != "" {
		var err error
		if installID, err = telemetry.InstallID(filepath.Join(filepath.Dir(config.GetSettingsPath()), "install-id")); err != nil {
			logger.Warn("failed to load install id", "error", err)
		}
	}
	a.telemetry = telemetry.New(telemetry.Config{
		APIKey:     settings.Telemetry.APIKey,
		Endpoint:   settings.Telemetry.Endpoint,
		DistinctID: installID,
		Logger:     logger,
	})

	a.rateLimitHandler = ratelimit.NewHandler(&ratelimit.RetryStrategy{Intervals: settings.Fetch.RateLimitPauses}, logger)
	a.watchRateLimits()

	fetchCfg := fetcher.Config{
		Timeout:       settings.Fetch.Timeout,
		UserAgent:     settings.Fetch.UserAgent,
		MemoryEntries: settings.Cache.MemoryEntries,
		RateLimit:     a.rateLimitHandler,
		Logger:        logger,
	}
	// the pipeline still works without the disk tier
	disk, err := cache.NewDiskCache(settings.Cache.Dir, settings.Cache.MaxSizeMB, settings.Cache.TTL(), logger)
	if err != nil {
		logger.Warn("failed to initialize payload cache", "dir", settings.Cache.Dir, "error", err)
	} else {
		a.diskCache = disk
		fetchCfg.Disk = disk
		logger.Info("payload cache initialized", "dir", disk.Path(), "maxSizeMB", settings.Cache.MaxSizeMB)
	}

	if a.fetcher, err = fetcher.New(fetchCfg); err != nil {
		a.Shutdown()
		return nil, err
	}

	if a.registry, err = layer.Load(ctx, settings.Layers, a.fetcher, crs.Default); err != nil {
		a.Shutdown()
		return nil, err
	}

	a.provider = provider.New(provider.Config{
		Fetcher:   a.fetcher,
		Decoder:   decode.NewPipeline(decode.Config{Reprojector: crs.Default, Logger: logger}),
		Resources: cache.NewResources[common.Result]("tiles", logger),
		Logger:    logger,
	})
	a.updater = updater.New(updater.Config{
		Executor:  a.provider,
		Telemetry: a.telemetry,
		Logger:    logger,
	})

	logger.Info("pipeline ready", "layers", a.registry.IDs(), "version", AppVersion)
	return a, nil
}

// Layer returns a configured layer
func (a *App) Layer(id string) (*layer.Layer, error) {
	l, ok := a.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown layer '%s' (configured: %v)", common.ErrConfiguration, id, a.registry.IDs())
	}
	return l, nil
}

// NewServer creates the tile server on addr
func (a *App) NewServer(addr string) *tileserver.Server {
	return tileserver.NewServer(tileserver.Config{
		Registry: a.registry,
		Provider: a.provider,
		Addr:     addr,
		Logger:   a.logger,
	})
}

// NewPrefetcher creates a prefetcher reporting progress to the log
func (a *App) NewPrefetcher() *prefetch.Prefetcher {
	last := -10
	return prefetch.New(prefetch.Config{
		Executor:  a.provider,
		Workers:   a.settings.Prefetch.Workers,
		BatchSize: a.settings.Prefetch.BatchSize,
		Telemetry: a.telemetry,
		Logger:    a.logger,
		Progress: func(p prefetch.Progress) {
			// calls are serialized
			if p.Percent/10 != last/10 || p.Done == p.Total {
				last = p.Percent
				a.logger.Info(p.Status, "percent", p.Percent, "failed", p.Failed)
			}
		},
	})
}

// Shutdown cleans up resources
func (a *App) Shutdown() {
	if a.telemetry != nil {
		if err := a.telemetry.Close(); err != nil {
			a.logger.Debug("failed to flush telemetry", "error", err)
		}
	}
	if a.diskCache != nil {
		if err := a.diskCache.Close(); err != nil {
			a.logger.Warn("failed to close payload cache", "error", err)
		}
	}
}
