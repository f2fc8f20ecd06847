package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"
)

// Config represents payload cache configuration
type Config struct {
	Dir       string `yaml:"dir"`
	MaxSizeMB int    `yaml:"maxSizeMB"`
	TTLDays   int    `yaml:"ttlDays"`
	// MemoryEntries bounds the in-memory payload tier in front of the disk
	MemoryEntries int `yaml:"memoryEntries"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		Dir:           GetCacheDir(),
		MaxSizeMB:     250, // 250 MB default
		TTLDays:       30,  // 30 days default
		MemoryEntries: 512,
	}
}

// TTL returns the payload time to live, zero meaning no expiry
func (c Config) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// Merge fills zero fields of c from defaults
func (c Config) Merge(defaults Config) Config {
	if c.Dir == "" {
		c.Dir = defaults.Dir
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = defaults.MaxSizeMB
	}
	if c.TTLDays <= 0 {
		c.TTLDays = defaults.TTLDays
	}
	if c.MemoryEntries <= 0 {
		c.MemoryEntries = defaults.MemoryEntries
	}
	return c
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin": // macOS
		return filepath.Join(homeDir, "Library", "Caches", "tile-pipeline", "payloads")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, "tile-pipeline", "cache", "payloads")
	default: // Linux and others
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "tile-pipeline", "payloads")
	}
}
