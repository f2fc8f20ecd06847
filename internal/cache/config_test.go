package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tile-pipeline/internal/cache"
)

func TestConfig_Merge(t *testing.T) {
	defaults := cache.DefaultConfig()

	merged := cache.Config{MaxSizeMB: 16}.Merge(defaults)

	assert.Equal(t, 16, merged.MaxSizeMB)
	assert.Equal(t, defaults.TTLDays, merged.TTLDays)
	assert.Equal(t, defaults.Dir, merged.Dir)
	assert.Equal(t, defaults.MemoryEntries, merged.MemoryEntries)
	assert.Equal(t, 30*24*time.Hour, merged.TTL())
}

func TestGetCacheDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/xdg")
	dir := cache.GetCacheDir()
	assert.Contains(t, dir, "tile-pipeline")
}
