package adproxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "adproxy"

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	verdictsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	activeTunnels    prometheus.Gauge
	cacheLookups     *prometheus.CounterVec
	cacheBytes       prometheus.Gauge
	cacheEntries     prometheus.Gauge
	cacheEvictions   prometheus.Counter
	fetchDuration    prometheus.Histogram
	upstreamErrors   *prometheus.CounterVec
	classifyErrors   prometheus.Counter
	filterRuleCount  *prometheus.GaugeVec
	filterReloads    prometheus.Counter
	filterReloadErrs prometheus.Counter
	rateLimited      prometheus.Counter
	eventsDropped    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of requests received.",
		}, []string{"method", "scheme"}),

		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verdicts_total",
			Help:      "Classification verdicts by action.",
		}, []string{"action"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of requests being served.",
		}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_tunnels",
			Help:      "Number of open CONNECT tunnels.",
		}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),

		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_bytes",
			Help:      "Total weight of cached responses in bytes.",
		}),

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_entries",
			Help:      "Number of cached responses.",
		}),

		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_evictions_total",
			Help:      "Number of responses evicted to make room.",
		}),

		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Upstream fetch latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Number of failed upstream fetches.",
		}, []string{"host"}),

		classifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "classify_errors_total",
			Help:      "Requests that could not be classified and were allowed.",
		}),

		filterRuleCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "filter_rule_count",
			Help:      "Number of compiled filter rules by index.",
		}, []string{"index"}),

		filterReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_reloads_total",
			Help:      "Number of successful filter reloads.",
		}),

		filterReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_reload_errors_total",
			Help:      "Number of failed filter reloads.",
		}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Pipeline events dropped because the sink was full.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.verdictsTotal,
		m.requestDuration,
		m.activeConns,
		m.activeTunnels,
		m.cacheLookups,
		m.cacheBytes,
		m.cacheEntries,
		m.cacheEvictions,
		m.fetchDuration,
		m.upstreamErrors,
		m.classifyErrors,
		m.filterRuleCount,
		m.filterReloads,
		m.filterReloadErrs,
		m.rateLimited,
		m.eventsDropped,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a received request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordVerdict records a classification outcome.
func (m *Metrics) RecordVerdict(a Action) {
	m.verdictsTotal.WithLabelValues(a.String()).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() { m.activeConns.Inc() }

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() { m.activeConns.Dec() }

// IncActiveTunnels increments the open tunnel gauge.
func (m *Metrics) IncActiveTunnels() { m.activeTunnels.Inc() }

// DecActiveTunnels decrements the open tunnel gauge.
func (m *Metrics) DecActiveTunnels() { m.activeTunnels.Dec() }

// RecordCacheLookup records how a cache lookup was answered.
func (m *Metrics) RecordCacheLookup(l CacheLookup) {
	m.cacheLookups.WithLabelValues(l.String()).Inc()
}

// RecordCacheEviction records an evicted entry.
func (m *Metrics) RecordCacheEviction() { m.cacheEvictions.Inc() }

// SetCacheSize sets the cache occupancy gauges.
func (m *Metrics) SetCacheSize(entries int, bytes int64) {
	m.cacheEntries.Set(float64(entries))
	m.cacheBytes.Set(float64(bytes))
}

// RecordFetch records the latency of an upstream fetch.
func (m *Metrics) RecordFetch(d time.Duration) {
	m.fetchDuration.Observe(d.Seconds())
}

// RecordUpstreamError records a failed upstream fetch.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordClassifyError records a request that failed open.
func (m *Metrics) RecordClassifyError() { m.classifyErrors.Inc() }

// SetFilterStats publishes the rule counts of a freshly compiled index.
func (m *Metrics) SetFilterStats(s CompileStats) {
	m.filterRuleCount.WithLabelValues("filters").Set(float64(s.Filters))
	m.filterRuleCount.WithLabelValues("exceptions").Set(float64(s.Exceptions))
	m.filterRuleCount.WithLabelValues("redirects").Set(float64(s.Redirects))
	m.filterRuleCount.WithLabelValues("csp").Set(float64(s.CSP))
}

// RecordFilterReload records a successful filter reload.
func (m *Metrics) RecordFilterReload() { m.filterReloads.Inc() }

// RecordFilterReloadError records a failed filter reload.
func (m *Metrics) RecordFilterReloadError() { m.filterReloadErrs.Inc() }

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() { m.rateLimited.Inc() }

// RecordEventDropped records an event the async sink could not queue.
func (m *Metrics) RecordEventDropped() { m.eventsDropped.Inc() }
