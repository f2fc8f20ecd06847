package tileserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tile-pipeline/internal/common"
	"tile-pipeline/internal/layer"
	"tile-pipeline/internal/metrics"
	"tile-pipeline/internal/provider"
	"tile-pipeline/internal/raster"
	"tile-pipeline/internal/tms"
)

// DefaultAddr listens on a random local port
const DefaultAddr = "127.0.0.1:0"

// TileProvider executes tile commands
type TileProvider interface {
	Plan(cmd provider.Command) (provider.Plan, error)
	Cached(plan provider.Plan) bool
	Execute(ctx context.Context, cmd provider.Command) (common.Result, error)
}

// Config configures a Server
type Config struct {
	Registry *layer.Registry
	Provider TileProvider
	Addr     string
	Logger   *slog.Logger
}

// Server serves decoded tiles of the registered layers over HTTP
type Server struct {
	registry *layer.Registry
	provider TileProvider
	addr     string
	logger   *slog.Logger

	server        *http.Server
	tileServerURL string
}

// NewServer creates a new tile server instance
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		registry: cfg.Registry,
		provider: cfg.Provider,
		addr:     cfg.Addr,
		logger:   cfg.Logger.With("component", "tileserver"),
	}
}

// GetTileServerURL returns the tile server URL, empty until started
func (s *Server) GetTileServerURL() string {
	return s.tileServerURL
}

// corsMiddleware adds CORS headers so map clients on other origins can load tiles
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		w.Header().Set("Access-Control-Expose-Headers", "X-Cache-Status, X-Fetched-Tile, Retry-After")

		// preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the routes wrapped with CORS
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tiles/{layer}/{z}/{x}/{y}", s.handleTile)
	mux.HandleFunc("GET /layers", s.handleLayers)
	mux.Handle("GET /metrics", promhttp.Handler())
	return corsMiddleware(mux)
}

// Start starts the HTTP server in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start tile server: %w", err)
	}

	s.tileServerURL = "http://" + listener.Addr().String()
	s.logger.Info("tile server started", "url", s.tileServerURL, "layers", s.registry.Len())

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("tile server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for requests in flight
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type layerInfo struct {
	ID     string        `json:"id"`
	Kind   common.Kind   `json:"kind"`
	Format common.Format `json:"format"`
	Zoom   tms.ZoomRange `json:"zoom"`
	Tiles  string        `json:"tiles"`
}

func (s *Server) handleLayers(w http.ResponseWriter, _ *http.Request) {
	out := make([]layerInfo, 0, s.registry.Len())
	for _, l := range s.registry.All() {
		ext := ".png"
		if l.Kind == common.KindGeometry {
			ext = ".json"
		}
		out = append(out, layerInfo{
			ID:     l.ID,
			Kind:   l.Kind,
			Format: l.Format,
			Zoom:   l.Zoom,
			Tiles:  fmt.Sprintf("%s/tiles/%s/{z}/{x}/{y}%s", s.tileServerURL, l.ID, ext),
		})
	}
	s.writeJSON(w, "application/json", out)
}

// handleTile serves one tile
// URL format: /tiles/{layer}/{z}/{x}/{y}[.png|.json]?target={level}
// Rows count from the top. target defaults to z; a coarser target serves the
// tile cut out of its ancestor.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	l, ok := s.registry.Get(r.PathValue("layer"))
	if !ok {
		http.Error(w, fmt.Sprintf("unknown layer %q", r.PathValue("layer")), http.StatusNotFound)
		return
	}

	y, ext, _ := strings.Cut(r.PathValue("y"), ".")
	if !acceptsExtension(l.Kind, ext) {
		s.fail(w, l, http.StatusBadRequest, fmt.Sprintf("layer %s does not serve .%s tiles", l.ID, ext))
		return
	}

	var coords [3]uint32
	for i, raw := range []string{r.PathValue("z"), r.PathValue("x"), y} {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			s.fail(w, l, http.StatusBadRequest, fmt.Sprintf("invalid tile coordinate %q", raw))
			return
		}
		coords[i] = uint32(v)
	}
	cmd := provider.Command{
		Layer:       l,
		Address:     tms.Address{Zoom: coords[0], Column: coords[1], Row: coords[2], Origin: tms.OriginTop},
		TargetLevel: coords[0],
	}
	if target := r.URL.Query().Get("target"); target != "" {
		v, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			s.fail(w, l, http.StatusBadRequest, fmt.Sprintf("invalid target level %q", target))
			return
		}
		cmd.TargetLevel = uint32(v)
	}

	plan, err := s.provider.Plan(cmd)
	if err != nil {
		s.writeError(w, l, cmd.Address, err)
		return
	}
	cacheStatus := "MISS"
	if s.provider.Cached(plan) {
		cacheStatus = "HIT"
	}

	res, err := s.provider.Execute(r.Context(), cmd)
	if err != nil {
		s.writeError(w, l, cmd.Address, err)
		return
	}

	w.Header().Set("X-Cache-Status", cacheStatus)
	w.Header().Set("X-Fetched-Tile", plan.Resolution.Fetch.String())
	if !plan.Resolution.Fallback() {
		w.Header().Set("Cache-Control", "public, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}

	switch res := res.(type) {
	case common.Raster:
		s.writeRaster(w, l, res)
	case common.Mesh:
		s.writeJSON(w, "application/geo+json", res.Asset)
		metrics.TileRequestsTotal.WithLabelValues(l.ID, "200").Inc()
	default:
		s.fail(w, l, http.StatusInternalServerError, fmt.Sprintf("unexpected result %T", res))
	}
}

func acceptsExtension(kind common.Kind, ext string) bool {
	switch ext {
	case "":
		return true
	case "png":
		return kind == common.KindColor
	case "json", "geojson":
		return kind == common.KindGeometry
	}
	return false
}

func (s *Server) writeRaster(w http.ResponseWriter, l *layer.Layer, r common.Raster) {
	tile := raster.Crop(r.Image, r.Pitch, raster.TileSize)
	var buf bytes.Buffer
	if err := png.Encode(&buf, tile); err != nil {
		s.fail(w, l, http.StatusInternalServerError, fmt.Sprintf("failed to encode tile: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
	metrics.TileRequestsTotal.WithLabelValues(l.ID, "200").Inc()
}

func (s *Server) writeJSON(w http.ResponseWriter, contentType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// writeError maps definitive failures to 404 and transient ones to 503
func (s *Server) writeError(w http.ResponseWriter, l *layer.Layer, addr tms.Address, err error) {
	if provider.IsDefinitive(err) {
		s.logger.Debug("tile unavailable", "layer", l.ID, "tile", addr, "error", err)
		s.fail(w, l, http.StatusNotFound, err.Error())
		return
	}

	retry := 1
	if at, ok := provider.RetryAt(err); ok {
		retry = max(int(math.Ceil(time.Until(at).Seconds())), 1)
	}
	s.logger.Warn("tile temporarily unavailable", "layer", l.ID, "tile", addr, "retry", retry, "error", err)
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	s.fail(w, l, http.StatusServiceUnavailable, err.Error())
}

func (s *Server) fail(w http.ResponseWriter, l *layer.Layer, code int, msg string) {
	metrics.TileRequestsTotal.WithLabelValues(l.ID, strconv.Itoa(code)).Inc()
	http.Error(w, msg, code)
}
