package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the buffer orchestrator.
// Every recording method accepts a nil receiver so components can run
// without metrics (e.g. in tests).
type Metrics struct {
	registry                  *prometheus.Registry
	requestsTotal             prometheus.Counter
	errorsTotal               prometheus.Counter
	segmentsRequestedTotal    *prometheus.CounterVec
	segmentsLoadedTotal       *prometheus.CounterVec
	segmentsCancelledTotal    *prometheus.CounterVec
	segmentBytesTotal         *prometheus.CounterVec
	representationSwitches    *prometheus.CounterVec
	bufferFullBackoffsTotal   *prometheus.CounterVec
	warningsTotal             *prometheus.CounterVec
	garbageCollectedSecsTotal *prometheus.CounterVec
	activePeriodStart         prometheus.Gauge
	activeSessions            prometheus.Gauge
	bufferGapSeconds          *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buffer_http_requests_total",
			Help: "Total number of HTTP requests received by the status API",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buffer_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		segmentsRequestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_segments_requested_total",
			Help: "Segment requests issued, by stream type",
		}, []string{"type"}),
		segmentsLoadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_segments_loaded_total",
			Help: "Segments fully loaded and pushed, by stream type",
		}, []string{"type"}),
		segmentsCancelledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_segments_cancelled_total",
			Help: "Segment requests cancelled before completion, by stream type",
		}, []string{"type"}),
		segmentBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_segment_bytes_total",
			Help: "Bytes of segment data received, by stream type",
		}, []string{"type"}),
		representationSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_representation_switches_total",
			Help: "Representation changes, by stream type",
		}, []string{"type"}),
		bufferFullBackoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_full_backoffs_total",
			Help: "Buffer goal reductions after a full sink, by stream type",
		}, []string{"type"}),
		warningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_warnings_total",
			Help: "Warnings emitted by the buffers, by code",
		}, []string{"code"}),
		garbageCollectedSecsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buffer_garbage_collected_seconds_total",
			Help: "Media seconds removed by the garbage collector, by stream type",
		}, []string{"type"}),
		activePeriodStart: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_active_period_start_seconds",
			Help: "Start time of the Period currently considered active",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_active_sessions",
			Help: "Number of playback sessions still running",
		}),
		bufferGapSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "buffer_gap_seconds",
			Help: "Buffered media ahead of the playback position, by stream type",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.segmentsRequestedTotal,
		m.segmentsLoadedTotal,
		m.segmentsCancelledTotal,
		m.segmentBytesTotal,
		m.representationSwitches,
		m.bufferFullBackoffsTotal,
		m.warningsTotal,
		m.garbageCollectedSecsTotal,
		m.activePeriodStart,
		m.activeSessions,
		m.bufferGapSeconds,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncSegmentRequested counts a new segment request.
func (m *Metrics) IncSegmentRequested(streamType string) {
	if m == nil {
		return
	}
	m.segmentsRequestedTotal.WithLabelValues(streamType).Inc()
}

// IncSegmentLoaded counts a segment whose data has been fully pushed.
func (m *Metrics) IncSegmentLoaded(streamType string) {
	if m == nil {
		return
	}
	m.segmentsLoadedTotal.WithLabelValues(streamType).Inc()
}

// IncSegmentCancelled counts an aborted segment request.
func (m *Metrics) IncSegmentCancelled(streamType string) {
	if m == nil {
		return
	}
	m.segmentsCancelledTotal.WithLabelValues(streamType).Inc()
}

// AddSegmentBytes adds received segment bytes.
func (m *Metrics) AddSegmentBytes(streamType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentBytesTotal.WithLabelValues(streamType).Add(float64(n))
}

// IncRepresentationSwitch counts a Representation change.
func (m *Metrics) IncRepresentationSwitch(streamType string) {
	if m == nil {
		return
	}
	m.representationSwitches.WithLabelValues(streamType).Inc()
}

// IncBufferFullBackoff counts a buffer goal reduction.
func (m *Metrics) IncBufferFullBackoff(streamType string) {
	if m == nil {
		return
	}
	m.bufferFullBackoffsTotal.WithLabelValues(streamType).Inc()
}

// IncWarning counts a warning by error code.
func (m *Metrics) IncWarning(code string) {
	if m == nil {
		return
	}
	m.warningsTotal.WithLabelValues(code).Inc()
}

// AddGarbageCollected adds seconds of media removed by the garbage collector.
func (m *Metrics) AddGarbageCollected(streamType string, seconds float64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.garbageCollectedSecsTotal.WithLabelValues(streamType).Add(seconds)
}

// SetActivePeriodStart sets the active Period gauge.
func (m *Metrics) SetActivePeriodStart(start float64) {
	if m == nil {
		return
	}
	m.activePeriodStart.Set(start)
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetBufferGap sets the buffer gap gauge of a stream type.
func (m *Metrics) SetBufferGap(streamType string, gap float64) {
	if m == nil {
		return
	}
	m.bufferGapSeconds.WithLabelValues(streamType).Set(gap)
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
