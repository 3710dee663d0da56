// Package metrics exposes Prometheus collectors for the archiver.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes recorded by ObserveStreamEvent.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDiscarded = "discarded"
	OutcomeMalformed = "malformed"
)

// Archive results recorded by ObserveArchive.
const (
	ResultWritten = "written"
	ResultExists  = "exists"
	ResultError   = "error"
)

var (
	streamEventsTotal           *prometheus.CounterVec
	streamReconnectsTotal       *prometheus.CounterVec
	archiveEntriesTotal         *prometheus.CounterVec
	queueDepth                  prometheus.Gauge
	captureDurationSeconds      prometheus.Histogram
	renderRateLimitDelaySeconds prometheus.Histogram
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		streamEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receipts_stream_events_total",
				Help: "Total number of stream events seen, labeled by filter kind and outcome.",
			},
			[]string{"filter", "outcome"},
		)

		streamReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receipts_stream_reconnects_total",
				Help: "Total number of failed subscription attempts, labeled by filter kind.",
			},
			[]string{"filter"},
		)

		archiveEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "receipts_archive_entries_total",
				Help: "Total number of archive writes, labeled by entry kind and result.",
			},
			[]string{"kind", "result"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "receipts_queue_depth",
				Help: "Number of items waiting for the archive worker.",
			},
		)

		captureDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "receipts_capture_duration_seconds",
				Help:    "Histogram of screen-grab durations.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		renderRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "receipts_render_rate_limit_delay_seconds",
				Help:    "Histogram of waits imposed by the screen-grab rate limit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStreamEvent counts one stream event for the given filter kind.
func ObserveStreamEvent(filter, outcome string) {
	streamEventsTotal.WithLabelValues(filter, outcome).Inc()
}

// ObserveReconnect counts one failed subscription attempt.
func ObserveReconnect(filter string) {
	streamReconnectsTotal.WithLabelValues(filter).Inc()
}

// ObserveArchive counts one archive write.
func ObserveArchive(kind, result string) {
	archiveEntriesTotal.WithLabelValues(kind, result).Inc()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveCapture records how long one screen grab took.
func ObserveCapture(duration time.Duration) {
	captureDurationSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	renderRateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
