// Package metrics exposes Prometheus collectors for the API, the analysis
// pipeline and the importer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	analysisDuration  *prometheus.HistogramVec
	readingsIngested  prometheus.Counter
	rowsDropped       prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analysis_duration_seconds",
			Help:    "Histogram of analysis run durations by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		readingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "readings_ingested_total",
			Help: "Total readings stored by the importer and the API.",
		}),
		rowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "import_rows_dropped_total",
			Help: "Total source rows dropped because they failed to parse.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total analysis cache hits observed.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total analysis cache misses observed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.analysisDuration,
		m.readingsIngested,
		m.rowsDropped,
		m.cacheHits,
		m.cacheMisses,
	)
	return m
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and latency under route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// ObserveAnalysis records how long one analysis of kind took
func (m *Metrics) ObserveAnalysis(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.analysisDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ReadingsIngested adds n stored readings
func (m *Metrics) ReadingsIngested(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.readingsIngested.Add(float64(n))
}

// RowsDropped adds n rows rejected by the parser
func (m *Metrics) RowsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsDropped.Add(float64(n))
}

// CacheHit counts an analysis response served from the cache
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss counts an analysis response that had to be computed
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
