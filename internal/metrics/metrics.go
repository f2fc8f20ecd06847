package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tile_pipeline"

const (
	// ResultSuccess labels an operation that produced an artifact.
	ResultSuccess = "success"
	// ResultTransient labels an operation that failed and may be retried.
	ResultTransient = "transient"
	// ResultDefinitive labels an operation that failed for good.
	ResultDefinitive = "definitive"
)

// MustRegisterCounterVec creates and registers a counter vector.
// Must be called from `init` or a package level var.
func MustRegisterCounterVec(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// MustRegisterGaugeVec creates and registers a gauge vector.
func MustRegisterGaugeVec(subsystem, name, help string, labelNames ...string) *prometheus.GaugeVec {
	m := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// MustRegisterHistogramVec creates and registers a histogram vector.
// Nil buckets fall back to the prometheus defaults.
func MustRegisterHistogramVec(subsystem, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	m := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// CacheRequestsTotal counts resource cache lookups.
// [cache, outcome] where outcome is hit, miss or shared.
var CacheRequestsTotal = MustRegisterCounterVec(
	"cache",
	"requests_total",
	"Number of resource cache lookups by outcome.",
	"cache", "outcome",
)

// CacheEntries tracks the number of artifacts held by a resource cache.
var CacheEntries = MustRegisterGaugeVec(
	"cache",
	"entries",
	"Number of decoded artifacts held in a resource cache.",
	"cache",
)

// FetchDurationSeconds tracks network fetch latency.
// [host, result].
var FetchDurationSeconds = MustRegisterHistogramVec(
	"fetch",
	"duration_seconds",
	"Duration of remote tile fetches.",
	nil,
	"host", "result",
)

// DecodeTotal counts decode pipeline runs.
// [layer, kind, result].
var DecodeTotal = MustRegisterCounterVec(
	"decode",
	"total",
	"Number of payloads decoded into artifacts.",
	"layer", "kind", "result",
)

// UpdatesTotal counts requester side update attempts.
// [layer, result].
var UpdatesTotal = MustRegisterCounterVec(
	"updater",
	"updates_total",
	"Number of tile update attempts by result.",
	"layer", "result",
)

// TileRequestsTotal counts tiles served over HTTP.
// [layer, code].
var TileRequestsTotal = MustRegisterCounterVec(
	"server",
	"tile_requests_total",
	"Number of tile requests served by status code.",
	"layer", "code",
)
