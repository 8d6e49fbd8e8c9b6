package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Seek outcomes used as the "outcome" label on the seeks counter.
const (
	SeekResolved   = "resolved"
	SeekSuperseded = "superseded"
	SeekTimedOut   = "timed_out"
)

// Metrics holds Prometheus counters and gauges for the playback coordinator.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	bytesReceivedTotal    prometheus.Counter
	bytesAppendedTotal    prometheus.Counter
	rangeRequestsTotal    prometheus.Counter
	streamsCompletedTotal prometheus.Counter
	upstreamErrorsTotal   prometheus.Counter
	sinkRejectionsTotal   prometheus.Counter
	seeksTotal            *prometheus.CounterVec
	progressReportsTotal  prometheus.Counter
	activeSessions        prometheus.Gauge
	requestDuration       *prometheus.HistogramVec
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		bytesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_bytes_received_total",
			Help: "Bytes received from streams into coordinator caches",
		}),
		bytesAppendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_bytes_appended_total",
			Help: "Bytes appended to sinks",
		}),
		rangeRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_range_requests_total",
			Help: "Range requests emitted to the fetch layer",
		}),
		streamsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_streams_completed_total",
			Help: "Streams that ended normally",
		}),
		upstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_upstream_errors_total",
			Help: "Streams that failed before ending",
		}),
		sinkRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_sink_rejections_total",
			Help: "Appends refused by a sink",
		}),
		seeksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_seeks_total",
			Help: "Seeks by outcome",
		}, []string{"outcome"}),
		progressReportsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playback_progress_reports_total",
			Help: "Ten-second playback progress reports",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playback_active_sessions",
			Help: "Number of open playback sessions",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playback_http_request_duration_seconds",
			Help:    "HTTP request latency by route; stream uploads last as long as the stream",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 30, 120},
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.bytesReceivedTotal,
		m.bytesAppendedTotal,
		m.rangeRequestsTotal,
		m.streamsCompletedTotal,
		m.upstreamErrorsTotal,
		m.sinkRejectionsTotal,
		m.seeksTotal,
		m.progressReportsTotal,
		m.activeSessions,
		m.requestDuration,
	)

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRequest records the latency of a request served by route.
func (m *Metrics) ObserveRequest(route string, seconds float64) {
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

// AddBytesReceived records bytes taken from a stream.
func (m *Metrics) AddBytesReceived(n int) {
	m.bytesReceivedTotal.Add(float64(n))
}

// AddBytesAppended records bytes handed to a sink.
func (m *Metrics) AddBytesAppended(n int) {
	m.bytesAppendedTotal.Add(float64(n))
}

func (m *Metrics) IncRangeRequests() {
	m.rangeRequestsTotal.Inc()
}

func (m *Metrics) IncStreamsCompleted() {
	m.streamsCompletedTotal.Inc()
}

func (m *Metrics) IncUpstreamErrors() {
	m.upstreamErrorsTotal.Inc()
}

func (m *Metrics) IncSinkRejections() {
	m.sinkRejectionsTotal.Inc()
}

// IncSeeks counts a finished seek under outcome (SeekResolved etc).
func (m *Metrics) IncSeeks(outcome string) {
	m.seeksTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncProgressReports() {
	m.progressReportsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
