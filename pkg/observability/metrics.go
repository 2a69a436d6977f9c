package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics (ambient health/metrics listener only)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrorsTotal       *prometheus.CounterVec

	// Materializer metrics
	MaterializerRunsTotal       prometheus.Counter
	MaterializerRunDuration     prometheus.Histogram
	MaterializerObjectRolesSeen prometheus.Histogram
	MaterializerTuplesWritten   prometheus.Histogram

	// Evaluation metrics
	EvaluationsTotal    *prometheus.CounterVec
	EvaluationDuration  *prometheus.HistogramVec
	EvaluationDenials   *prometheus.CounterVec

	// Cache metrics (role definition / global permission redis cache)
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec
	CacheSizeBytes      *prometheus.GaugeVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisCommandsTotal     *prometheus.CounterVec
	RedisCommandDuration   *prometheus.HistogramVec

	// Business (RBAC) metrics
	RoleDefinitionsTotal prometheus.Gauge
	ObjectRolesTotal     prometheus.Gauge
	EvaluationTuplesTotal *prometheus.GaugeVec
	TeamMembersTotal     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_http_requests_total",
				Help: "Total number of HTTP requests to the ambient health/metrics listener",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbacengine_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbacengine_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbacengine_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Storage metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbacengine_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"operation", "backend", "error_type"},
		),

		// Materializer metrics
		MaterializerRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rbacengine_materializer_runs_total",
				Help: "Total number of materializer invocations",
			},
		),
		MaterializerRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rbacengine_materializer_run_duration_seconds",
				Help:    "Materializer run duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
		MaterializerObjectRolesSeen: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rbacengine_materializer_object_roles_seen",
				Help:    "Number of object roles processed per materializer run",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		MaterializerTuplesWritten: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rbacengine_materializer_tuples_written",
				Help:    "Number of evaluation tuples inserted per materializer run",
				Buckets: prometheus.ExponentialBuckets(1, 4, 12),
			},
		),

		// Evaluation metrics
		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_evaluations_total",
				Help: "Total number of has_obj_perm / accessible_ids evaluations",
			},
			[]string{"operation"},
		),
		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbacengine_evaluation_duration_seconds",
				Help:    "Evaluation duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"operation"},
		),
		EvaluationDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_evaluation_denials_total",
				Help: "Total number of evaluations that resulted in denial",
			},
			[]string{"operation"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"cache_type", "reason"},
		),
		CacheSizeBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rbacengine_cache_size_bytes",
				Help: "Current cache size in bytes",
			},
			[]string{"cache_type"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbacengine_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbacengine_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),

		// Business metrics
		RoleDefinitionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_role_definitions_total",
				Help: "Total number of role definitions",
			},
		),
		ObjectRolesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_object_roles_total",
				Help: "Total number of object roles",
			},
		),
		EvaluationTuplesTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rbacengine_evaluation_tuples_total",
				Help: "Total number of materialized evaluation tuples, by partition",
			},
			[]string{"partition"},
		),
		TeamMembersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbacengine_team_members_total",
				Help: "Total number of direct team membership rows",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.StorageErrorsTotal,
		m.MaterializerRunsTotal,
		m.MaterializerRunDuration,
		m.MaterializerObjectRolesSeen,
		m.MaterializerTuplesWritten,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.EvaluationDenials,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.CacheSizeBytes,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
		m.RoleDefinitionsTotal,
		m.ObjectRolesTotal,
		m.EvaluationTuplesTotal,
		m.TeamMembersTotal,
	)

	return m
}

// ObserveMaterializerRun records one materializer invocation: how many
// object roles it processed and how many evaluation tuples it wrote.
func (m *Metrics) ObserveMaterializerRun(objectRolesSeen, tuplesWritten int) {
	m.MaterializerRunsTotal.Inc()
	m.MaterializerObjectRolesSeen.Observe(float64(objectRolesSeen))
	m.MaterializerTuplesWritten.Observe(float64(tuplesWritten))
}

// ObserveEvaluation records one has_obj_perm/accessible_ids call.
func (m *Metrics) ObserveEvaluation(operation string, duration time.Duration, denied bool) {
	m.EvaluationsTotal.WithLabelValues(operation).Inc()
	m.EvaluationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if denied {
		m.EvaluationDenials.WithLabelValues(operation).Inc()
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
