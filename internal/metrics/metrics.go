// Package metrics exposes hub counters and gauges to Prometheus.
//
// All methods are safe to call on a nil *Metrics, which turns instrumentation off.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorhub"

type Metrics struct {
	gatherer prometheus.Gatherer

	devicesDiscovered prometheus.Gauge
	devicesConnected  prometheus.Gauge
	scanning          prometheus.Gauge
	readingsTotal     *prometheus.CounterVec
	readingsRejected  *prometheus.CounterVec
	readingQuality    prometheus.Histogram
	transportErrors   *prometheus.CounterVec
	transportDropped  *prometheus.CounterVec
	connectDuration   *prometheus.HistogramVec
	sinkPublish       *prometheus.CounterVec
	sinkQueueDepth    *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the hub's collectors with reg. A nil reg uses a fresh registry, which keeps
// tests independent of the global default registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		devicesDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_discovered",
			Help:      "Devices discovered during the current scan.",
		}),
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Devices currently connected.",
		}),
		scanning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scanning",
			Help:      "1 while a scan is running.",
		}),
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Accepted readings by metric type.",
		}, []string{"metric"}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Rejected raw events by reason.",
		}, []string{"reason"}),
		readingQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reading_quality",
			Help:      "Quality score of accepted readings.",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport failures by protocol and operation.",
		}, []string{"protocol", "operation"}),
		transportDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_dropped_total",
			Help:      "Adapter events discarded because the consumer fell behind.",
		}, []string{"protocol"}),
		connectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time taken by transport connects.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol", "result"}),
		sinkPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_publish_total",
			Help:      "Outbound event deliveries by sink and result.",
		}, []string{"sink", "result"}),
		sinkQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_queue_depth",
			Help:      "Events waiting in a sink's delivery queue.",
		}, []string{"sink"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.devicesDiscovered,
		m.devicesConnected,
		m.scanning,
		m.readingsTotal,
		m.readingsRejected,
		m.readingQuality,
		m.transportErrors,
		m.transportDropped,
		m.connectDuration,
		m.sinkPublish,
		m.sinkQueueDepth,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests to next under route.
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

func (m *Metrics) SetRegistrySize(discovered, connected int) {
	if m == nil {
		return
	}
	m.devicesDiscovered.Set(float64(discovered))
	m.devicesConnected.Set(float64(connected))
}

func (m *Metrics) SetScanning(scanning bool) {
	if m == nil {
		return
	}
	if scanning {
		m.scanning.Set(1)
	} else {
		m.scanning.Set(0)
	}
}

func (m *Metrics) ReadingAccepted(metric string, quality int) {
	if m == nil {
		return
	}
	m.readingsTotal.WithLabelValues(metric).Inc()
	m.readingQuality.Observe(float64(quality))
}

func (m *Metrics) ReadingRejected(reason string) {
	if m == nil {
		return
	}
	m.readingsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) TransportError(protocol, operation string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(protocol, operation).Inc()
}

func (m *Metrics) EventsDropped(protocol string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.transportDropped.WithLabelValues(protocol).Add(float64(n))
}

func (m *Metrics) ConnectAttempt(protocol string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "fail"
	}
	m.connectDuration.WithLabelValues(protocol, result).Observe(d.Seconds())
}

func (m *Metrics) SinkPublish(sink string, success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "fail"
	}
	m.sinkPublish.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) SetSinkQueueDepth(sink string, depth int) {
	if m == nil {
		return
	}
	m.sinkQueueDepth.WithLabelValues(sink).Set(float64(depth))
}
