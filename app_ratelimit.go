package main

import (
	"tile-pipeline/internal/ratelimit"
)

// watchRateLimits logs host pauses and reports them
func (a *App) watchRateLimits() {
	a.rateLimitHandler.SetOnRateLimit(func(event ratelimit.Event) {
		a.logger.Warn("host paused",
			"host", event.Host,
			"status", event.StatusCode,
			"attempt", event.RetryAttempt,
			"until", event.NextRetryAt,
		)
		a.telemetry.Capture("rate_limited", map[string]any{
			"host":    event.Host,
			"status":  event.StatusCode,
			"attempt": event.RetryAttempt,
		})
	})
	a.rateLimitHandler.SetOnRecovered(func(host string) {
		a.logger.Info("host resumed", "host", host)
	})
}

// RateLimitStatus returns the pause of host, nil when it is not limited
func (a *App) RateLimitStatus(host string) *ratelimit.Event {
	return a.rateLimitHandler.GetCurrentState(host)
}

// CacheStats represents payload cache statistics
type CacheStats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	SizeMB    float64 `json:"sizeMB"`
	MaxMB     float64 `json:"maxMB"`
	CachePath string  `json:"cachePath"`
}

// GetCacheStats returns current cache statistics
func (a *App) GetCacheStats() CacheStats {
	if a.diskCache == nil {
		return CacheStats{}
	}

	entries, sizeBytes, maxBytes := a.diskCache.Stats()

	return CacheStats{
		Entries:   entries,
		SizeBytes: sizeBytes,
		MaxBytes:  maxBytes,
		SizeMB:    float64(sizeBytes) / 1024 / 1024,
		MaxMB:     float64(maxBytes) / 1024 / 1024,
		CachePath: a.diskCache.Path(),
	}
}

// ClearCache removes all cached payloads
func (a *App) ClearCache() error {
	if a.diskCache != nil {
		return a.diskCache.Clear()
	}
	return nil
}
