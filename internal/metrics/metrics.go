// Package metrics provides Prometheus metrics for monitoring the fleet.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsCreated counts browser sessions created, by proxy type.
	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_sessions_created_total",
			Help: "Total browser sessions created",
		},
		[]string{"proxy_type"},
	)

	// SessionsDestroyed counts sessions destroyed, by reason.
	SessionsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_sessions_destroyed_total",
			Help: "Total browser sessions destroyed",
		},
		[]string{"reason"},
	)

	// ActiveSessions shows currently live sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trawler_active_sessions",
			Help: "Number of live browser sessions",
		},
	)

	// TargetsProcessed counts work units by pipeline and outcome.
	TargetsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_targets_processed_total",
			Help: "Targets processed by pipeline and outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	// PagesLoaded counts browser page loads per domain.
	PagesLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_pages_loaded_total",
			Help: "Pages loaded in browser sessions",
		},
		[]string{"domain"},
	)

	// BatchDuration tracks how long one distribution batch takes.
	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trawler_batch_duration_seconds",
			Help:    "Duration of one engine batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
		[]string{"pipeline"},
	)

	// CacheHits counts request cache hits.
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trawler_cache_hits_total",
			Help: "Request cache hits",
		},
	)

	// CacheMisses counts request cache misses.
	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trawler_cache_misses_total",
			Help: "Request cache misses",
		},
	)

	// CacheBytesSaved counts bytes served from cache instead of the network.
	CacheBytesSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trawler_cache_bytes_saved_total",
			Help: "Bytes served from the request cache",
		},
	)

	// RunsCommitted counts pagination runs committed to the store.
	RunsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_runs_committed_total",
			Help: "Pagination runs committed per domain",
		},
		[]string{"domain"},
	)

	// RunsAborted counts pagination commits that failed, by reason.
	RunsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_runs_aborted_total",
			Help: "Pagination commits that failed",
		},
		[]string{"reason"},
	)

	// ProxiesBlocked counts datacenter proxies auto-blocked after failures.
	ProxiesBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_proxies_blocked_total",
			Help: "Datacenter proxies auto-blocked per domain",
		},
		[]string{"domain"},
	)

	// StoreRequests counts external store operations by outcome.
	StoreRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_store_requests_total",
			Help: "External store operations",
		},
		[]string{"op", "status"},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trawler_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trawler_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trawler_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trawler_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsCreated,
		SessionsDestroyed,
		ActiveSessions,
		TargetsProcessed,
		PagesLoaded,
		BatchDuration,
		CacheHits,
		CacheMisses,
		CacheBytesSaved,
		RunsCommitted,
		RunsAborted,
		ProxiesBlocked,
		StoreRequests,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory
// metrics until stopCh closes.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordTarget records one processed target.
func RecordTarget(pipeline, outcome string) {
	TargetsProcessed.WithLabelValues(pipeline, outcome).Inc()
}

// RecordStoreRequest records one store operation.
func RecordStoreRequest(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreRequests.WithLabelValues(op, status).Inc()
}
