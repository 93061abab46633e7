// Package telemetry exposes Prometheus metrics for the form builder server:
// HTTP server metrics recorded by an Echo middleware and edit session
// counters fed by the session registry.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session events counted by SessionEvent.
const (
	EventOpened     = "opened"
	EventSaved      = "saved"
	EventSaveFailed = "save_failed"
	EventCancelled  = "cancelled"
)

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// Config holds the telemetry settings.
type Config struct {
	Namespace string
	// ProcessCollectors adds the Go runtime and process collectors.
	ProcessCollectors bool
}

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	responseSize    prometheus.Histogram

	sessionEvents *prometheus.CounterVec
	openSessions  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "formbuilder"
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http_server",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http_server",
			Name:      "active_requests",
			Help:      "Number of active HTTP requests.",
		}),
		responseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http_server",
			Name:      "response_size_bytes",
			Help:      "Size of HTTP response bodies in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "edit_session",
			Name:      "events_total",
			Help:      "Question edit session lifecycle events.",
		}, []string{"event"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "edit_session",
			Name:      "open",
			Help:      "Number of open question edit sessions.",
		}),
	}
	reg.MustRegister(m.requestDuration, m.activeRequests, m.responseSize, m.sessionEvents, m.openSessions)
	if cfg.ProcessCollectors {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records HTTP server metrics. Requests are labelled by route
// pattern so session ids do not blow up cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			m.activeRequests.Dec()
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				m.responseSize.Observe(float64(size))
			}
			return err
		}
	}
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// SessionEvent counts one edit session lifecycle event.
func (m *Metrics) SessionEvent(event string) {
	m.sessionEvents.WithLabelValues(event).Inc()
}

// SetOpenSessions sets the open session gauge.
func (m *Metrics) SetOpenSessions(n int) {
	m.openSessions.Set(float64(n))
}
