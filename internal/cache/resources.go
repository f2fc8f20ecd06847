package cache

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"tile-pipeline/internal/metrics"
)

// Producer computes the artifact stored under a key, typically fetch + decode
type Producer[V any] func(ctx context.Context) (V, error)

// Resources is a process wide store of decoded artifacts keyed by resource URL.
// Concurrent acquisitions of the same key share a single producer run.
// Entries are never evicted; use Invalidate to drop one explicitly.
type Resources[V any] struct {
	name   string
	mu     sync.RWMutex
	items  map[string]V
	sf     singleflight.Group
	logger *slog.Logger
}

// NewResources creates an empty resource cache. The name labels its metrics.
func NewResources[V any](name string, logger *slog.Logger) *Resources[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resources[V]{
		name:   name,
		items:  make(map[string]V),
		logger: logger.With("component", "resources", "cache", name),
	}
}

// Get returns the artifact cached under key
func (r *Resources[V]) Get(key string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[key]
	return v, ok
}

// Len returns the number of cached artifacts
func (r *Resources[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Invalidate drops the artifact cached under key. A flight in progress for
// the key is not affected and will store its result when it settles.
func (r *Resources[V]) Invalidate(key string) {
	r.mu.Lock()
	delete(r.items, key)
	n := len(r.items)
	r.mu.Unlock()

	metrics.CacheEntries.WithLabelValues(r.name).Set(float64(n))
}

// insert stores v unless the key is already present, and returns the stored value
func (r *Resources[V]) insert(key string, v V) V {
	r.mu.Lock()
	if existing, ok := r.items[key]; ok {
		r.mu.Unlock()
		return existing
	}
	r.items[key] = v
	n := len(r.items)
	r.mu.Unlock()

	metrics.CacheEntries.WithLabelValues(r.name).Set(float64(n))
	return v
}

// Acquire returns the artifact for key, running produce at most once across
// all concurrent callers. A failed run leaves the cache untouched and hands
// the same error to every waiter.
//
// The producer runs detached from ctx cancellation: a caller that gives up
// returns ctx.Err() while the shared run continues for the other waiters.
func (r *Resources[V]) Acquire(ctx context.Context, key string, produce Producer[V]) (V, error) {
	// fast path
	if v, ok := r.Get(key); ok {
		metrics.CacheRequestsTotal.WithLabelValues(r.name, "hit").Inc()
		return v, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues(r.name, "miss").Inc()

	flightCtx := context.WithoutCancel(ctx)
	ch := r.sf.DoChan(key, func() (any, error) {
		// another flight may have stored the key between the fast path and here
		if v, ok := r.Get(key); ok {
			return v, nil
		}

		v, err := produce(flightCtx)
		if err != nil {
			r.logger.Debug("producer failed", "key", key, "error", err)
			return nil, err
		}
		return r.insert(key, v), nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.CacheRequestsTotal.WithLabelValues(r.name, "shared").Inc()
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}
