package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Service name for metrics
	ServiceName = "tilestream"
)

var (
	// MCP request metrics
	MCPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_mcp_requests_total",
			Help: "Total number of MCP requests processed",
		},
		[]string{"tool", "status"},
	)

	MCPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tilestream_mcp_request_duration_seconds",
			Help:    "MCP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"tool"},
	)

	// Tile lifecycle metrics
	TilesLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_tiles_loaded_total",
			Help: "Total number of finished tile loads",
		},
		[]string{"mode", "status"},
	)

	TileLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tilestream_tile_load_duration_seconds",
			Help:    "Tile load duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"mode"},
	)

	TilesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tilestream_tiles_active",
			Help: "Number of tiles currently held per grid",
		},
		[]string{"mode"},
	)

	TilesDisposedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_tiles_disposed_total",
			Help: "Total number of disposed tiles",
		},
		[]string{"mode"},
	)

	StaleCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_stale_completions_total",
			Help: "Load completions discarded because their tile was gone or replaced",
		},
	)

	GlobalRegistryRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_global_registry_rejected_total",
			Help: "Elements not built because another tile already owns them",
		},
	)

	// Resolver metrics
	ResolverPendingWays = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_resolver_pending_ways",
			Help: "Ways held by the resolver across queries",
		},
	)

	ResolverUnresolvedNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_resolver_unresolved_nodes",
			Help: "Nodes cached by the resolver for incomplete ways",
		},
	)

	ResolverEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_resolver_emitted_total",
			Help: "Elements emitted by the resolver",
		},
		[]string{"kind"},
	)

	ResolverDeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tilestream_resolver_deferred_total",
			Help: "Ways deferred because some of their nodes were unavailable",
		},
	)

	// Search metrics
	SearchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_search_requests_total",
			Help: "Total number of tag searches",
		},
		[]string{"type", "status"},
	)

	// External service metrics
	ExternalServiceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_external_service_requests_total",
			Help: "Total number of external service requests",
		},
		[]string{"service", "operation", "status"},
	)

	ExternalServiceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tilestream_external_service_request_duration_seconds",
			Help:    "External service request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"service", "operation"},
	)

	// Rate limiting metrics
	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"service"},
	)

	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tilestream_rate_limit_wait_duration_seconds",
			Help:    "Time spent waiting for rate limits",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"service"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tilestream_cache_size",
			Help: "Current number of items in cache",
		},
		[]string{"cache_type"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tilestream_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tilestream_system_info",
			Help: "System information",
		},
		[]string{"version", "go_version", "build_commit", "build_date"},
	)

	GoRoutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_goroutines",
			Help: "Number of goroutines",
		},
	)

	MemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	GCRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tilestream_gc_runs_total",
			Help: "Total number of garbage collection runs",
		},
	)
)

// ServiceHealth is the body of the /health endpoint.
type ServiceHealth struct {
	Service       string                `json:"service"`
	Version       string                `json:"version"`
	Status        string                `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime        time.Duration         `json:"uptime"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	StartTime     time.Time             `json:"start_time,omitempty"`
	Connections   map[string]ConnStatus `json:"connections"`
	Tiles         map[string]int        `json:"tiles,omitempty"`
	Metrics       map[string]any        `json:"metrics,omitempty"`
}

// ConnStatus is the last observed state of a dependency.
type ConnStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`               // "connected", "degraded", "error"
	Latency   int64  `json:"latency_ms,omitempty"` // Optional latency in milliseconds
	LastError string `json:"last_error,omitempty"`
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Helper functions for common metric updates
func RecordMCPRequest(tool string, duration time.Duration, success bool) {
	MCPRequestsTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	MCPRequestDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordTileLoad records a finished load for a grid.
func RecordTileLoad(mode string, duration time.Duration, success bool) {
	TilesLoadedTotal.WithLabelValues(mode, statusLabel(success)).Inc()
	TileLoadDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordTileDisposed(mode string) {
	TilesDisposedTotal.WithLabelValues(mode).Inc()
}

func UpdateTilesActive(mode string, count int) {
	TilesActive.WithLabelValues(mode).Set(float64(count))
}

func RecordStaleCompletion() {
	StaleCompletionsTotal.Inc()
}

func RecordGlobalRegistryRejected() {
	GlobalRegistryRejectedTotal.Inc()
}

// UpdateResolverState publishes the resolver's cross-query bookkeeping sizes.
func UpdateResolverState(pendingWays, unresolvedNodes int) {
	ResolverPendingWays.Set(float64(pendingWays))
	ResolverUnresolvedNodes.Set(float64(unresolvedNodes))
}

func RecordResolverEmitted(kind string) {
	ResolverEmittedTotal.WithLabelValues(kind).Inc()
}

func RecordResolverDeferred() {
	ResolverDeferredTotal.Inc()
}

func RecordSearch(searchType string, success bool) {
	SearchRequestsTotal.WithLabelValues(searchType, statusLabel(success)).Inc()
}

func RecordExternalServiceRequest(service, operation string, duration time.Duration, success bool) {
	ExternalServiceRequestsTotal.WithLabelValues(service, operation, statusLabel(success)).Inc()
	ExternalServiceRequestDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

func RecordCacheHit(cacheType string) {
	CacheHits.WithLabelValues(cacheType).Inc()
}

func RecordCacheMiss(cacheType string) {
	CacheMisses.WithLabelValues(cacheType).Inc()
}

func UpdateCacheSize(cacheType string, size int) {
	CacheSize.WithLabelValues(cacheType).Set(float64(size))
}

func RecordRateLimitExceeded(service string) {
	RateLimitExceeded.WithLabelValues(service).Inc()
}

func RecordRateLimitWait(service string, duration time.Duration) {
	RateLimitWaitTime.WithLabelValues(service).Observe(duration.Seconds())
}

func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
