package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/pflag"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/config"
	"tile-pipeline/internal/fetcher"
	"tile-pipeline/internal/prefetch"
	"tile-pipeline/internal/provider"
	"tile-pipeline/internal/raster"
	"tile-pipeline/internal/tms"
	"tile-pipeline/internal/updater"
)

const usage = `tile-pipeline fetches, decodes and serves map tiles.

Usage:
  tile-pipeline serve    [flags]
  tile-pipeline fetch    [flags] <layer> <z> <x> <y>
  tile-pipeline prefetch [flags] <layer>
  tile-pipeline cache    [flags] stats|clear

Run a command with --help for its flags.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return pflag.ErrHelp
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "fetch":
		return runFetch(ctx, args[1:])
	case "prefetch":
		return runPrefetch(ctx, args[1:])
	case "cache":
		return runCache(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		return nil
	case "--version", "version":
		fmt.Println(AppVersion)
		return nil
	}
	return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
}

// commonFlags are accepted by every command
type commonFlags struct {
	configPath string
	logLevel   string
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	var c commonFlags
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(&c.configPath, "config", "c", "", "settings file (default "+config.GetSettingsPath()+")")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (overrides the settings file)")
	return fs, &c
}

// setup loads settings, installs the logger and builds the app
func (c *commonFlags) setup(ctx context.Context) (*App, error) {
	settings, err := config.LoadSettings(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		settings.LogLevel = c.logLevel
	}
	level, err := settings.Level()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return NewApp(ctx, settings, logger)
}

func runServe(ctx context.Context, args []string) error {
	fs, c := newFlagSet("serve")
	addr := fs.String("addr", "", "listen address (overrides the settings file)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	if *addr == "" {
		*addr = app.settings.Server.Addr
	}
	server := app.NewServer(*addr)
	if err := server.Start(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "serving tiles on %s\n", server.GetTileServerURL())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runFetch(ctx context.Context, args []string) error {
	fs, c := newFlagSet("fetch")
	target := fs.Int("target", -1, "coarsest level to fetch, finer levels follow up to z (default z)")
	output := fs.StringP("output", "o", "", "output file (default stdout)")
	asGeoTIFF := fs.Bool("geotiff", false, "write color tiles as a Web Mercator GeoTIFF instead of PNG")
	attempts := fs.Int("attempts", 5, "transient failures tolerated per level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 4 {
		return fmt.Errorf("fetch needs <layer> <z> <x> <y>")
	}

	var coords [3]uint32
	for i, raw := range fs.Args()[1:] {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid tile coordinate %q", raw)
		}
		coords[i] = uint32(v)
	}
	addr, err := tms.NewAddress(coords[0], coords[1], coords[2], tms.OriginTop)
	if err != nil {
		return err
	}
	from := addr.Zoom
	if *target >= 0 && uint32(*target) < addr.Zoom {
		from = uint32(*target)
	}

	app, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	l, err := app.Layer(fs.Arg(0))
	if err != nil {
		return err
	}

	res, err := app.refine(ctx, l.ID, addr, from, *attempts)
	if err != nil {
		return err
	}

	w := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch res := res.(type) {
	case common.Raster:
		if *asGeoTIFF {
			bounds := common.TileBounds{MinCol: addr.GetColumn(), MaxCol: addr.GetColumn(), MinRow: addr.GetRow(), MaxRow: addr.GetRow()}
			results := []common.TileResult{{Address: addr, Result: res}}
			return prefetch.ExportGeoTIFF(w, results, bounds, addr.Zoom, fmt.Sprintf("%s %s", l.ID, addr))
		}
		return png.Encode(w, raster.Crop(res.Image, res.Pitch, raster.TileSize))
	case common.Mesh:
		data, err := json.Marshal(res.Asset)
		if err != nil {
			return fmt.Errorf("failed to encode features: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("unexpected result %T", res)
}

// refine fetches addr at every level from "from" up to its zoom, or the
// finest level of the layer, through the updater, waiting out backoffs, and
// returns the finest result
func (a *App) refine(ctx context.Context, layerID string, addr tms.Address, from uint32, attempts int) (common.Result, error) {
	l, err := a.Layer(layerID)
	if err != nil {
		return nil, err
	}
	// levels past the layer range fall back to its finest level
	to := min(addr.Zoom, l.Zoom.Max)
	from = min(max(from, l.Zoom.Min), to)
	req := updater.NewRequester(addr)
	defer a.updater.Release(req)

	var last common.Result
	failures := 0
	for level := from; level <= to; {
		res, err := a.updater.Update(ctx, req, l, level)
		var retry *updater.RetryLaterError
		switch {
		case err == nil:
			a.logger.Debug("tile updated", "layer", l.ID, "tile", addr, "level", level)
			last, failures = res, 0
			level++
		case errors.As(err, &retry):
			select {
			case <-ctx.Done():
				return last, ctx.Err()
			case <-time.After(retry.Delay):
			}
		case errors.Is(err, updater.ErrNoMoreUpdates):
			return last, nil
		case provider.IsDefinitive(err):
			if last != nil {
				a.logger.Warn("finer level unavailable, keeping coarser tile", "layer", l.ID, "tile", addr, "level", level, "error", err)
				return last, nil
			}
			return last, err
		default:
			failures++
			a.logRateLimit(err)
			if failures >= attempts {
				return last, fmt.Errorf("giving up after %d attempts: %w", failures, err)
			}
		}
	}
	return last, nil
}

func (a *App) logRateLimit(err error) {
	fe, ok := fetcher.AsFetchError(err)
	if !ok {
		return
	}
	u, perr := url.Parse(fe.URL)
	if perr != nil {
		return
	}
	if event := a.RateLimitStatus(u.Host); event != nil {
		a.logger.Warn("waiting for rate limited host", "host", event.Host, "until", event.NextRetryAt)
	}
}

func runPrefetch(ctx context.Context, args []string) error {
	fs, c := newFlagSet("prefetch")
	bbox := fs.Float64Slice("bbox", nil, "area as south,west,north,east in degrees")
	zoom := fs.Uint32("zoom", 0, "level to fetch")
	geotiffPath := fs.String("geotiff", "", "also write the mosaic of color tiles to this GeoTIFF")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("prefetch needs <layer>")
	}
	if len(*bbox) != 4 {
		return fmt.Errorf("--bbox needs south,west,north,east")
	}
	area := prefetch.BoundingBox{South: (*bbox)[0], West: (*bbox)[1], North: (*bbox)[2], East: (*bbox)[3]}

	app, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	l, err := app.Layer(fs.Arg(0))
	if err != nil {
		return err
	}
	tiles, bounds, err := prefetch.Plan(l, area, *zoom)
	if err != nil {
		return err
	}

	summary, results, err := app.NewPrefetcher().Run(ctx, l, tiles)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d tiles, %d fetched, %d failed\n", summary.Total, summary.Succeeded, summary.Failed)

	if *geotiffPath == "" {
		return nil
	}
	if l.Kind != common.KindColor {
		return fmt.Errorf("layer '%s' is %s, only color layers export to GeoTIFF", l.ID, l.Kind)
	}
	f, err := os.Create(*geotiffPath)
	if err != nil {
		return fmt.Errorf("failed to create GeoTIFF: %w", err)
	}
	defer f.Close()
	return prefetch.ExportGeoTIFF(f, results, bounds, *zoom, fmt.Sprintf("%s z%d", l.ID, *zoom))
}

func runCache(ctx context.Context, args []string) error {
	fs, c := newFlagSet("cache")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("cache needs stats or clear")
	}

	app, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	switch fs.Arg(0) {
	case "stats":
		data, err := json.MarshalIndent(app.GetCacheStats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	case "clear":
		return app.ClearCache()
	}
	return fmt.Errorf("unknown cache command %q", fs.Arg(0))
}
