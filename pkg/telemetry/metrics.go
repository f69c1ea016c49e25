package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/passportd/passportd/pkg/engine"
)

// Metrics provides Prometheus metrics for passportd. It implements
// engine.Observer.
type Metrics struct {
	config MetricsConfig

	// Error metrics
	failuresByKind     *prometheus.CounterVec
	failuresByCategory *prometheus.CounterVec

	// Lifecycle metrics
	transitions *prometheus.CounterVec

	// Anchoring metrics
	anchorJobs       *prometheus.CounterVec
	anchorQueueDepth *prometheus.GaugeVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		failuresByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Total number of failed operations by error kind",
			},
			[]string{"kind"},
		),
		failuresByCategory: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_by_category_total",
				Help:      "Total number of failed operations by error category",
			},
			[]string{"category"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total number of unit and protocol status transitions",
			},
			[]string{"entity", "from", "to"},
		),

		anchorJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anchor_jobs_total",
				Help:      "Total number of anchoring job outcomes",
			},
			[]string{"outcome"},
		),
		anchorQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "anchor_queue_jobs",
				Help:      "Current number of anchoring jobs by status",
			},
			[]string{"status"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.failuresByKind,
		m.failuresByCategory,
		m.transitions,
		m.anchorJobs,
		m.anchorQueueDepth,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

// RecordFailure counts one failed operation.
func (m *Metrics) RecordFailure(kind engine.ErrorKind) {
	if m.failuresByKind == nil {
		return
	}
	m.failuresByKind.WithLabelValues(string(kind)).Inc()
	m.failuresByCategory.WithLabelValues(string(kind.Category())).Inc()
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(entity, from, to string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(entity, from, to).Inc()
}

// RecordAnchorJob counts an anchoring job outcome.
func (m *Metrics) RecordAnchorJob(outcome string) {
	if m.anchorJobs == nil {
		return
	}
	m.anchorJobs.WithLabelValues(outcome).Inc()
}

// SetAnchorJobCount sets the number of anchoring jobs in status.
func (m *Metrics) SetAnchorJobCount(status engine.AnchorJobStatus, count float64) {
	if m.anchorQueueDepth == nil {
		return
	}
	m.anchorQueueDepth.WithLabelValues(string(status)).Set(count)
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Path returns the configured metrics path.
func (m *Metrics) Path() string {
	if m.config.Path == "" {
		return "/metrics"
	}
	return m.config.Path
}
