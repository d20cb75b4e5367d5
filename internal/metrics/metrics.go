// Package metrics exposes Prometheus collectors for the call relay.
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

var (
	callsDetectedTotal         *prometheus.CounterVec
	callsProcessedTotal        *prometheus.CounterVec
	callProcessingSeconds      prometheus.Histogram
	recordingAttempts          prometheus.Histogram
	recordingBytesTotal        prometheus.Counter
	activeCalls                prometheus.Gauge
	monitorCyclesTotal         *prometheus.CounterVec
	monitorState               *prometheus.GaugeVec
	alertsTotal                *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

var states = []string{"disconnected", "authenticating", "connected", "degraded"}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		callsDetectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callrelay_calls_detected_total",
				Help: "Calls surfaced by the extractor, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		callsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callrelay_calls_processed_total",
				Help: "Call processor outcomes, labeled by result and stage.",
			},
			[]string{"result", "stage"},
		)

		callProcessingSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callrelay_call_processing_seconds",
				Help:    "Wall time from dispatch to delivery outcome.",
				Buckets: []float64{5, 10, 20, 40, 60, 120, 180, 300, 600},
			},
		)

		recordingAttempts = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callrelay_recording_download_attempts",
				Help:    "Download rounds needed per recording.",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		)

		recordingBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "callrelay_recording_bytes_total",
				Help: "Total bytes of audio downloaded.",
			},
		)

		activeCalls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "callrelay_active_calls",
				Help: "Number of call processors currently running.",
			},
		)

		monitorCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callrelay_monitor_cycles_total",
				Help: "Monitoring loop cycles, labeled by result.",
			},
			[]string{"result"},
		)

		monitorState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callrelay_connection_state",
				Help: "1 for the current connection state, 0 otherwise.",
			},
			[]string{"state"},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callrelay_operator_alerts_total",
				Help: "Operator alerts sent, labeled by kind.",
			},
			[]string{"kind"},
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

// ObserveDetected counts calls surfaced by an extraction strategy.
func ObserveDetected(strategy string, n int) {
	Init()
	if n > 0 {
		callsDetectedTotal.WithLabelValues(strategy).Add(float64(n))
	}
}

// ObserveCall records one call processor outcome.
func ObserveCall(success bool, stage string, elapsed time.Duration, attempts int, bytes int64) {
	Init()
	result := "failed"
	if success {
		result = "succeeded"
	}
	callsProcessedTotal.WithLabelValues(result, stage).Inc()
	callProcessingSeconds.Observe(elapsed.Seconds())
	if attempts > 0 {
		recordingAttempts.Observe(float64(attempts))
	}
	if bytes > 0 {
		recordingBytesTotal.Add(float64(bytes))
	}
}

// IncActiveCalls increments the running processor gauge.
func IncActiveCalls() {
	Init()
	activeCalls.Inc()
}

// DecActiveCalls decrements the running processor gauge.
func DecActiveCalls() {
	Init()
	activeCalls.Dec()
}

// ObserveCycle counts a monitoring loop cycle.
func ObserveCycle(result string) {
	Init()
	monitorCyclesTotal.WithLabelValues(result).Inc()
}

// SetState marks state as the current connection state.
func SetState(state string) {
	Init()
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		monitorState.WithLabelValues(s).Set(v)
	}
}

// ObserveAlert counts an operator alert.
func ObserveAlert(kind string) {
	Init()
	alertsTotal.WithLabelValues(kind).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
