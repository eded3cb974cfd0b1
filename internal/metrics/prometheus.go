package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the collectors exported by the protection layer.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Cache
	cacheLookups     *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	cacheEntries     *prometheus.GaugeVec
	cacheMemoryBytes *prometheus.GaugeVec

	// Rate limiter
	limiterDecisions *prometheus.CounterVec
	limiterDegraded  prometheus.Gauge

	// Queue
	queueDepth    *prometheus.GaugeVec
	queueOutcomes *prometheus.CounterVec
	queueWait     prometheus.Histogram

	// Orchestrator
	guardRequests *prometheus.CounterVec
	guardDuration *prometheus.HistogramVec

	// Outbound client
	outboundRequests *prometheus.CounterVec
	retryAttempts    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

// Default latency buckets in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics atomic.Pointer[PrometheusMetrics]

// InitPrometheus initializes the Prometheus metrics subsystem. Until it is
// called every Record*/Set* function is a no-op.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by result",
			},
			[]string{"cache", "result"},
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Cache entries removed by reason",
			},
			[]string{"cache", "reason"},
		),
		cacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Entries currently held by the cache",
			},
			[]string{"cache"},
		),
		cacheMemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_memory_bytes",
				Help:      "Approximate bytes held by the cache",
			},
			[]string{"cache"},
		),

		limiterDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limiter admission decisions",
			},
			[]string{"provider", "decision"},
		),
		limiterDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ratelimit_backend_degraded",
				Help:      "1 when the distributed window store is unavailable and local windows are used",
			},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Requests waiting for admission",
			},
			[]string{"priority"},
		),
		queueOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_outcomes_total",
				Help:      "Queued requests by final outcome",
			},
			[]string{"outcome"},
		),
		queueWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_milliseconds",
				Help:      "Time between enqueue and settlement",
				Buckets:   buckets,
			},
		),

		guardRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_requests_total",
				Help:      "Orchestrated lookups by outcome",
			},
			[]string{"outcome"},
		),
		guardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "guard_duration_milliseconds",
				Help:      "Latency of orchestrated lookups",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		outboundRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_requests_total",
				Help:      "Outbound provider requests by status class",
			},
			[]string{"provider", "status"},
		),
		retryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Retries scheduled by error kind",
			},
			[]string{"provider", "kind"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		pm.cacheLookups,
		pm.cacheEvictions,
		pm.cacheEntries,
		pm.cacheMemoryBytes,
		pm.limiterDecisions,
		pm.limiterDegraded,
		pm.queueDepth,
		pm.queueOutcomes,
		pm.queueWait,
		pm.guardRequests,
		pm.guardDuration,
		pm.outboundRequests,
		pm.retryAttempts,
		pm.breakerState,
	)

	promMetrics.Store(pm)
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(cache string, hit bool) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	pm.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordCacheEviction counts removed entries; reason is lru, memory, expired or sweep.
func RecordCacheEviction(cache, reason string, n int) {
	pm := promMetrics.Load()
	if pm == nil || n <= 0 {
		return
	}
	pm.cacheEvictions.WithLabelValues(cache, reason).Add(float64(n))
}

// SetCacheSize publishes the entry count and memory footprint.
func SetCacheSize(cache string, entries int, memoryBytes int64) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.cacheEntries.WithLabelValues(cache).Set(float64(entries))
	pm.cacheMemoryBytes.WithLabelValues(cache).Set(float64(memoryBytes))
}

// RecordLimiterDecision counts an admission decision: allowed, burst or denied.
func RecordLimiterDecision(provider, decision string) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.limiterDecisions.WithLabelValues(provider, decision).Inc()
}

// SetLimiterDegraded flags the window store as degraded.
func SetLimiterDegraded(degraded bool) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	if degraded {
		pm.limiterDegraded.Set(1)
	} else {
		pm.limiterDegraded.Set(0)
	}
}

// SetQueueDepth publishes the number of waiting requests for a priority.
func SetQueueDepth(priority string, depth int) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordQueueOutcome counts a settled queued request and its wait time.
func RecordQueueOutcome(outcome string, waitMs int64) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.queueOutcomes.WithLabelValues(outcome).Inc()
	pm.queueWait.Observe(float64(waitMs))
}

// RecordGuardRequest counts an orchestrated lookup and its latency.
func RecordGuardRequest(outcome string, durationMs float64) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.guardRequests.WithLabelValues(outcome).Inc()
	pm.guardDuration.WithLabelValues(outcome).Observe(durationMs)
}

// RecordOutboundRequest counts an outbound HTTP call; status is a class such
// as "2xx", "4xx", "5xx" or "network".
func RecordOutboundRequest(provider, status string) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.outboundRequests.WithLabelValues(provider, status).Inc()
}

// RecordRetry counts a scheduled retry.
func RecordRetry(provider, kind string) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.retryAttempts.WithLabelValues(provider, kind).Inc()
}

// SetCircuitBreakerState publishes a breaker state.
func SetCircuitBreakerState(provider string, state int) {
	pm := promMetrics.Load()
	if pm == nil {
		return
	}
	pm.breakerState.WithLabelValues(provider).Set(float64(state))
}

// PrometheusHandler returns an HTTP handler for scraping.
func PrometheusHandler() http.Handler {
	pm := promMetrics.Load()
	if pm == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "prometheus metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, or nil before InitPrometheus.
func PrometheusRegistry() *prometheus.Registry {
	pm := promMetrics.Load()
	if pm == nil {
		return nil
	}
	return pm.registry
}
