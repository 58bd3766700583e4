package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the wiki's Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization
	AuthzDecisionsTotal *prometheus.CounterVec
	ResolveBatchSize    prometheus.Histogram

	// Permission cache
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wiki_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_authz_decisions_total",
				Help: "Page authorization decisions by required level and outcome",
			},
			[]string{"level", "outcome"},
		),
		ResolveBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wiki_resolve_batch_pages",
				Help:    "Number of pages resolved per visibility filter pass",
				Buckets: prometheus.ExponentialBuckets(1, 4, 7),
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_permission_cache_hits_total",
				Help: "Permission cache hits by key type",
			},
			[]string{"backend", "key_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_permission_cache_misses_total",
				Help: "Permission cache misses by key type",
			},
			[]string{"backend", "key_type"},
		),
		CacheErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wiki_permission_cache_errors_total",
				Help: "Permission cache backend failures by operation",
			},
			[]string{"backend", "operation"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.ResolveBatchSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request. route is the matched route
// template, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Decision outcomes recorded by ObserveDecision.
const (
	OutcomeAllowed          = "allowed"
	OutcomeDenied           = "denied"
	OutcomeStoreUnavailable = "store_unavailable"
)

func (m *Metrics) ObserveDecision(level, outcome string) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(level, outcome).Inc()
}

func (m *Metrics) ObserveBatch(pages int) {
	if m == nil {
		return
	}
	m.ResolveBatchSize.Observe(float64(pages))
}

func (m *Metrics) CacheHit(backend, keyType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheHitsTotal.WithLabelValues(backend, keyType).Add(float64(n))
}

func (m *Metrics) CacheMiss(backend, keyType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheMissesTotal.WithLabelValues(backend, keyType).Add(float64(n))
}

func (m *Metrics) CacheError(backend, operation string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(backend, operation).Inc()
}
