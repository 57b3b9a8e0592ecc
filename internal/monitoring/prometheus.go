package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the HTTP server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	apiErrorsTotal       *prometheus.CounterVec
	dbOpenConnections    prometheus.Gauge
	dbInUseConnections   prometheus.Gauge
	schemaAtHead         prometheus.Gauge
	buildInfo            *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		apiErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		dbOpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gryffen_db_open_connections",
			Help: "Open database connections",
		}),
		dbInUseConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gryffen_db_in_use_connections",
			Help: "Database connections in use",
		}),
		schemaAtHead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gryffen_schema_at_head",
			Help: "1 when the database schema is at the newest migration",
		}),
		buildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gryffen_build_info",
			Help: "Build metadata of the running server",
		}, []string{"version", "environment"}),
	}
}

// Registry is where additional collectors (orchestrator, pipeline) go.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records every request under its route pattern.
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetDBConnections records connection pool usage.
func (m *Metrics) SetDBConnections(open, inUse int) {
	m.dbOpenConnections.Set(float64(open))
	m.dbInUseConnections.Set(float64(inUse))
}

// SetSchemaAtHead records the last schema check.
func (m *Metrics) SetSchemaAtHead(atHead bool) {
	v := 0.0
	if atHead {
		v = 1
	}
	m.schemaAtHead.Set(v)
}

func (m *Metrics) SetBuildInfo(version, environment string) {
	m.buildInfo.WithLabelValues(version, environment).Set(1)
}
