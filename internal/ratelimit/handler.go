package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RetryStrategy defines the pause applied to a host after consecutive rate limit responses
type RetryStrategy struct {
	Intervals []time.Duration
}

// DefaultRetryStrategy returns the default escalating strategy
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			15 * time.Second, // First pause
			1 * time.Minute,
			5 * time.Minute,
			15 * time.Minute, // Every later pause
		},
	}
}

// interval returns the pause for the given attempt, capped at the last entry
func (s *RetryStrategy) interval(attempt int) time.Duration {
	if attempt < len(s.Intervals) {
		return s.Intervals[attempt]
	}
	return s.Intervals[len(s.Intervals)-1]
}

// Event represents a rate limit occurrence for a host
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Host         string    `json:"host"`
	StatusCode   int       `json:"statusCode"`   // HTTP status code (403, 429, 509)
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt"`
}

// Handler tracks which hosts are rate limited. While a host is paused callers
// should not contact it; the first request after the pause acts as a probe.
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*Event // host -> current rate limit state
	strategy    *RetryStrategy
	now         func() time.Time
	onRateLimit func(event Event)
	onRecovered func(host string)
	logger      *slog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, logger *slog.Logger) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		rateLimited: make(map[string]*Event),
		strategy:    strategy,
		now:         time.Now,
		logger:      logger.With("component", "ratelimit"),
	}
}

// SetClock replaces the time source
func (h *Handler) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(host string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimitStatus reports whether a status code signals throttling
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || // 429
		code == http.StatusForbidden || // some tile servers use 403 for quotas
		code == 509 // Bandwidth Limit Exceeded
}

// Paused returns the time until which host must not be contacted
func (h *Handler) Paused(host string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	event, exists := h.rateLimited[host]
	if !exists || !h.now().Before(event.NextRetryAt) {
		return time.Time{}, false
	}
	return event.NextRetryAt, true
}

// IsRateLimited checks if a host has an unresolved rate limit
func (h *Handler) IsRateLimited(host string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, limited := h.rateLimited[host]
	return limited
}

// CheckResponse analyzes an HTTP response for rate limit indicators
func (h *Handler) CheckResponse(host string, resp *http.Response) bool {
	if !IsRateLimitStatus(resp.StatusCode) {
		h.checkRecovery(host)
		return false
	}
	h.recordRateLimit(host, resp.StatusCode, retryAfter(resp.Header.Get("Retry-After")))
	return true
}

// retryAfter parses the delay-seconds form of Retry-After
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// recordRateLimit records a rate limit event and computes the pause
func (h *Handler) recordRateLimit(host string, statusCode int, serverHint time.Duration) {
	h.mu.Lock()

	retryAttempt := 0
	if existing, exists := h.rateLimited[host]; exists {
		retryAttempt = existing.RetryAttempt + 1
	}

	interval := h.strategy.interval(retryAttempt)
	// a server hint longer than our own pause wins
	if serverHint > interval {
		interval = serverHint
	}

	now := h.now()
	event := Event{
		Timestamp:    now,
		Host:         host,
		StatusCode:   statusCode,
		RetryAttempt: retryAttempt,
		NextRetryAt:  now.Add(interval),
	}
	h.rateLimited[host] = &event
	callback := h.onRateLimit
	h.mu.Unlock()

	h.logger.Warn("host rate limited",
		"host", host,
		"status", statusCode,
		"attempt", retryAttempt,
		"next_retry_at", event.NextRetryAt.Format(time.RFC3339))

	if callback != nil {
		go callback(event)
	}
}

// checkRecovery clears the state of a host that answered normally
func (h *Handler) checkRecovery(host string) {
	h.mu.Lock()
	_, exists := h.rateLimited[host]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(h.rateLimited, host)
	callback := h.onRecovered
	h.mu.Unlock()

	h.logger.Info("host rate limit cleared", "host", host)
	if callback != nil {
		go callback(host)
	}
}

// Reset clears the state of a host so the next request goes through
func (h *Handler) Reset(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rateLimited, host)
}

// GetCurrentState returns the current rate limit state for a host
func (h *Handler) GetCurrentState(host string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if event, exists := h.rateLimited[host]; exists {
		eventCopy := *event
		return &eventCopy
	}
	return nil
}
