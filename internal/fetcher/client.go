package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"

	"tile-pipeline/internal/metrics"
	"tile-pipeline/internal/ratelimit"
)

const (
	// DefaultUserAgent identifies the pipeline to tile servers
	DefaultUserAgent = "tile-pipeline/1.0"

	defaultTimeout       = 30 * time.Second
	defaultMemoryEntries = 512
	maxPayloadBytes      = 64 << 20
)

// CrossOrigin modes, mirroring the HTML attribute
const (
	CrossOriginAnonymous      = "anonymous"
	CrossOriginUseCredentials = "use-credentials"
)

// Options tune a single fetch
type Options struct {
	Headers map[string]string
	// CrossOrigin "use-credentials" sends the cookies of the client jar
	CrossOrigin string
	UserAgent   string
	// NoCache bypasses the payload tiers in both directions
	NoCache bool
}

// PayloadStore is a persistent tier for raw payloads
type PayloadStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte) error
	Delete(key string)
}

// Config configures a Client
type Config struct {
	Timeout       time.Duration
	UserAgent     string
	MemoryEntries int
	Disk          PayloadStore
	RateLimit     *ratelimit.Handler
	Transport     http.RoundTripper
	Logger        *slog.Logger
}

// Client fetches tile payloads over HTTP with a memory and a disk tier in front
type Client struct {
	anonymous   *http.Client
	credentials *http.Client
	memory      *lru.Cache[string, []byte]
	disk        PayloadStore
	limiter     *ratelimit.Handler
	userAgent   string
	logger      *slog.Logger
}

// New creates a fetch client with system proxy support
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = defaultMemoryEntries
	}
	if cfg.Transport == nil {
		cfg.Transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	memory, err := lru.New[string, []byte](cfg.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		anonymous:   &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		credentials: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport, Jar: jar},
		memory:      memory,
		disk:        cfg.Disk,
		limiter:     cfg.RateLimit,
		userAgent:   cfg.UserAgent,
		logger:      cfg.Logger.With("component", "fetcher"),
	}, nil
}

// FetchBytes returns the body of url
func (c *Client) FetchBytes(ctx context.Context, rawURL string, opts Options) ([]byte, error) {
	if !opts.NoCache {
		if data, ok := c.cached(rawURL); ok {
			return data, nil
		}
	}

	data, err := c.fetch(ctx, rawURL, opts)
	if err != nil {
		return nil, err
	}

	if !opts.NoCache {
		c.memory.Add(rawURL, data)
		if c.disk != nil {
			if err := c.disk.Set(rawURL, data); err != nil {
				c.logger.Warn("failed to persist payload", "url", rawURL, "error", err)
			}
		}
	}
	return data, nil
}

// Forget drops the payload of url from both tiers, e.g. after it failed to decode
func (c *Client) Forget(rawURL string) {
	c.memory.Remove(rawURL)
	if c.disk != nil {
		c.disk.Delete(rawURL)
	}
}

// FetchJSON decodes the JSON body of url into v
func (c *Client) FetchJSON(ctx context.Context, rawURL string, opts Options, v any) error {
	opts.Headers = maps.Clone(opts.Headers)
	if opts.Headers == nil {
		opts.Headers = map[string]string{}
	}
	if _, ok := opts.Headers["Accept"]; !ok {
		opts.Headers["Accept"] = "application/json"
	}

	data, err := c.FetchBytes(ctx, rawURL, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.Forget(rawURL)
		return &FetchError{URL: rawURL, Definitive: true, Err: fmt.Errorf("failed to parse json: %w", err)}
	}
	return nil
}

func (c *Client) cached(key string) ([]byte, bool) {
	if data, ok := c.memory.Get(key); ok {
		return data, true
	}
	if c.disk == nil {
		return nil, false
	}
	data, ok := c.disk.Get(key)
	if ok {
		c.memory.Add(key, data)
	}
	return data, ok
}

func (c *Client) fetch(ctx context.Context, rawURL string, opts Options) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &FetchError{URL: rawURL, Definitive: true, Err: fmt.Errorf("invalid url: %w", errOrMissingHost(err))}
	}
	host := u.Host

	if c.limiter != nil {
		if until, paused := c.limiter.Paused(host); paused {
			return nil, &FetchError{URL: rawURL, RetryAt: until, Err: ErrRateLimited}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Definitive: true, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	userAgent := c.userAgent
	if opts.UserAgent != "" {
		userAgent = opts.UserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := c.anonymous
	if opts.CrossOrigin == CrossOriginUseCredentials {
		client = c.credentials
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		metrics.FetchDurationSeconds.WithLabelValues(host, metrics.ResultTransient).Observe(time.Since(start).Seconds())
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("failed to fetch: %w", err)}
	}
	defer resp.Body.Close()

	if c.limiter != nil && c.limiter.CheckResponse(host, resp) {
		metrics.FetchDurationSeconds.WithLabelValues(host, metrics.ResultTransient).Observe(time.Since(start).Seconds())
		until, _ := c.limiter.Paused(host)
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, RetryAt: until, Err: ErrRateLimited}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		definitive := IsDefinitiveStatus(resp.StatusCode)
		result := metrics.ResultTransient
		if definitive {
			result = metrics.ResultDefinitive
		}
		metrics.FetchDurationSeconds.WithLabelValues(host, result).Observe(time.Since(start).Seconds())
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Definitive: definitive}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		metrics.FetchDurationSeconds.WithLabelValues(host, metrics.ResultTransient).Observe(time.Since(start).Seconds())
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if len(data) > maxPayloadBytes {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Definitive: true, Err: errors.New("payload too large")}
	}

	metrics.FetchDurationSeconds.WithLabelValues(host, metrics.ResultSuccess).Observe(time.Since(start).Seconds())
	c.logger.Debug("fetched", "url", rawURL, "bytes", len(data), "duration", time.Since(start))
	return data, nil
}

func errOrMissingHost(err error) error {
	if err != nil {
		return err
	}
	return errors.New("missing host")
}
