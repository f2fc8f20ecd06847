// Package telemetry reports product events to PostHog. Without an API key
// every call is a no-op.
package telemetry

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

// Version is reported with every event
var Version = "dev"

type enqueuer interface {
	Enqueue(posthog.Message) error
	Close() error
}

// Config configures a Client
type Config struct {
	APIKey   string
	Endpoint string
	// DistinctID identifies the install, random when empty
	DistinctID string
	Logger     *slog.Logger
}

// Client captures events
type Client struct {
	ph         enqueuer
	distinctID string
	base       map[string]any
	logger     *slog.Logger
}

// New creates a client. Failing to reach PostHog never fails the caller.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := newClient(nil, cfg)
	if cfg.APIKey == "" {
		return c
	}

	ph, err := posthog.NewWithConfig(cfg.APIKey, posthog.Config{Endpoint: cfg.Endpoint})
	if err != nil {
		c.logger.Warn("failed to initialize posthog", "error", err)
		return c
	}
	c.ph = ph
	return c
}

func newClient(ph enqueuer, cfg Config) *Client {
	if cfg.DistinctID == "" {
		cfg.DistinctID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		ph:         ph,
		distinctID: cfg.DistinctID,
		base: map[string]any{
			"version": Version,
			"os":      goruntime.GOOS,
			"arch":    goruntime.GOARCH,
		},
		logger: cfg.Logger.With("component", "telemetry"),
	}
}

// Enabled reports whether events are sent
func (c *Client) Enabled() bool {
	return c != nil && c.ph != nil
}

// Capture sends event with properties
func (c *Client) Capture(event string, properties map[string]any) {
	if !c.Enabled() {
		return
	}
	props := posthog.NewProperties()
	maps.Copy(props, c.base)
	maps.Copy(props, properties)

	if err := c.ph.Enqueue(posthog.Capture{
		DistinctId: c.distinctID,
		Event:      event,
		Properties: props,
	}); err != nil {
		c.logger.Debug("failed to enqueue event", "event", event, "error", err)
	}
}

// Close flushes pending events
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.ph.Close()
}

// InstallID returns the ID stored at path, creating it on first use
func InstallID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read install id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create install id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return id, nil
}
