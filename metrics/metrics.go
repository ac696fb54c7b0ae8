// Package metrics exposes the pipeline's operational counters on a
// dedicated listener. The cache-fallback and cascade counters are the
// operator's view into degradation the never-regress policy would
// otherwise hide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vulnwatch"

var (
	// FetchRequests counts outbound requests per upstream source.
	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_requests_total",
		Help:      "Outbound requests per upstream source.",
	}, []string{"source"})

	// FetchFailures counts failed outbound requests per upstream source.
	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_failures_total",
		Help:      "Failed outbound requests per upstream source.",
	}, []string{"source"})

	// RateLimitHits counts 429/403 rejections from the primary source.
	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_hits_total",
		Help:      "Rate-limit rejections from the primary source.",
	})

	// CacheFallbacks counts assemblies that served an asset from the
	// previous snapshot because its cache entry was missing or corrupt.
	CacheFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_fallbacks_total",
		Help:      "Assemblies that fell back to the previous snapshot for an asset.",
	}, []string{"window"})

	// CascadePromotions counts records copied from longer windows into
	// shorter ones.
	CascadePromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cascade_promotions_total",
		Help:      "Records copied from longer windows into shorter ones.",
	}, []string{"window"})

	// SnapshotRecords tracks the size of the latest assembled snapshot.
	SnapshotRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_records",
		Help:      "Records in the latest assembled snapshot per window.",
	}, []string{"window"})

	// RefreshDuration observes the wall time of one refresh invocation.
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "refresh_duration_seconds",
		Help:      "Wall time of one refresh invocation.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

// Handler serves the default registry, for the metrics listener in main.
func Handler() http.Handler {
	return promhttp.Handler()
}
