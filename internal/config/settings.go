package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"tile-pipeline/internal/cache"
	"tile-pipeline/internal/layer"
)

// ServerSettings configures the tile server
type ServerSettings struct {
	Addr string `yaml:"addr"`
}

// FetchSettings configures remote fetches
type FetchSettings struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"userAgent"`
	// RateLimitPauses escalate for hosts answering 429/403/509, the last one repeating
	RateLimitPauses []time.Duration `yaml:"rateLimitPauses"`
}

// PrefetchSettings configures area prefetches
type PrefetchSettings struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batchSize"`
}

// TelemetrySettings configures product analytics. An empty key disables it.
type TelemetrySettings struct {
	APIKey   string `yaml:"apiKey"`
	Endpoint string `yaml:"endpoint"`
}

// Settings is the YAML settings file
type Settings struct {
	LogLevel  string            `yaml:"logLevel"`
	Server    ServerSettings    `yaml:"server"`
	Cache     cache.Config      `yaml:"cache"`
	Fetch     FetchSettings     `yaml:"fetch"`
	Prefetch  PrefetchSettings  `yaml:"prefetch"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Layers    []layer.Spec      `yaml:"layers"`
}

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	return &Settings{
		LogLevel: "info",
		Server:   ServerSettings{Addr: "127.0.0.1:8080"},
		Cache:    cache.DefaultConfig(),
		Fetch: FetchSettings{
			Timeout:   30 * time.Second,
			UserAgent: "tile-pipeline/1.0",
			RateLimitPauses: []time.Duration{
				15 * time.Second,
				time.Minute,
				5 * time.Minute,
				15 * time.Minute,
			},
		},
		Prefetch: PrefetchSettings{Workers: 10, BatchSize: 64},
		Telemetry: TelemetrySettings{
			Endpoint: "https://eu.i.posthog.com",
		},
		Layers: []layer.Spec{},
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tile-pipeline", "settings.yaml")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tile-pipeline", "settings.yaml")
}

// LoadSettings loads settings from path, the default path when empty
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		path = GetSettingsPath()
	}

	// If file doesn't exist, return defaults
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes YAML settings and merges them with the defaults
func ParseSettings(data []byte) (*Settings, error) {
	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultSettings()
	if settings.LogLevel == "" {
		settings.LogLevel = defaults.LogLevel
	}
	if settings.Server.Addr == "" {
		settings.Server.Addr = defaults.Server.Addr
	}
	settings.Cache = settings.Cache.Merge(defaults.Cache)
	if settings.Fetch.Timeout <= 0 {
		settings.Fetch.Timeout = defaults.Fetch.Timeout
	}
	if settings.Fetch.UserAgent == "" {
		settings.Fetch.UserAgent = defaults.Fetch.UserAgent
	}
	if len(settings.Fetch.RateLimitPauses) == 0 {
		settings.Fetch.RateLimitPauses = defaults.Fetch.RateLimitPauses
	}
	if settings.Prefetch.Workers <= 0 {
		settings.Prefetch.Workers = defaults.Prefetch.Workers
	}
	if settings.Prefetch.BatchSize <= 0 {
		settings.Prefetch.BatchSize = defaults.Prefetch.BatchSize
	}
	if settings.Telemetry.Endpoint == "" {
		settings.Telemetry.Endpoint = defaults.Telemetry.Endpoint
	}
	if settings.Layers == nil {
		settings.Layers = defaults.Layers
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveSettings saves settings to path, the default path when empty
func SaveSettings(path string, settings *Settings) error {
	if path == "" {
		path = GetSettingsPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// Validate checks the fields layers do not validate themselves
func (s *Settings) Validate() error {
	if _, err := s.Level(); err != nil {
		return err
	}
	for i, p := range s.Fetch.RateLimitPauses {
		if p <= 0 {
			return fmt.Errorf("rate limit pause %d must be positive", i)
		}
	}
	seen := make(map[string]bool, len(s.Layers))
	for _, spec := range s.Layers {
		if spec.ID == "" {
			return fmt.Errorf("layer without id")
		}
		if seen[spec.ID] {
			return fmt.Errorf("duplicate layer id '%s'", spec.ID)
		}
		seen[spec.ID] = true
		if spec.URL == "" && spec.TileJSON == "" {
			return fmt.Errorf("layer '%s' needs a url or a tilejson", spec.ID)
		}
	}
	return nil
}

// Level parses LogLevel
func (s *Settings) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	return level, nil
}
