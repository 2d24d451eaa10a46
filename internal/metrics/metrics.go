// Package metrics exposes Prometheus collectors for the discovery service.
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
	discoveryRunsTotal               *prometheus.CounterVec
	discoveryVendorsTotal            *prometheus.CounterVec
	discoveryProviderDurationSeconds *prometheus.HistogramVec
	discoveryWebsiteChecksTotal      *prometheus.CounterVec
	discoverySchedulerTicksTotal     *prometheus.CounterVec
	discoveryActiveManualRuns        prometheus.Gauge
	discoveryThrottleSeconds         *prometheus.HistogramVec
	httpRequestsTotal                *prometheus.CounterVec
	httpRequestDurationSeconds       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		discoveryRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_runs_total",
				Help: "Total number of discovery runs finished, labeled by status and trigger.",
			},
			[]string{"status", "trigger"},
		)

		discoveryVendorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_vendors_total",
				Help: "Provider candidates processed, labeled by dedup outcome.",
			},
			[]string{"outcome"},
		)

		discoveryProviderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_provider_duration_seconds",
				Help:    "Histogram of discovery provider call latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 90},
			},
			[]string{"outcome"},
		)

		discoveryWebsiteChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_website_checks_total",
				Help: "Vendor website checks, labeled by result.",
			},
			[]string{"result"},
		)

		discoverySchedulerTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_scheduler_ticks_total",
				Help: "Scheduler ticks, labeled by what the tick decided.",
			},
			[]string{"result"},
		)

		discoveryActiveManualRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "discovery_active_manual_runs",
				Help: "Number of manual runs currently in flight.",
			},
		)

		discoveryThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_throttle_seconds",
				Help:    "Time spent waiting on outbound rate limits, labeled by host.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"host"},
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

// ObserveRun counts a run reaching a terminal status.
func ObserveRun(status, trigger string) {
	if discoveryRunsTotal == nil {
		return
	}
	discoveryRunsTotal.WithLabelValues(status, trigger).Inc()
}

// ObserveVendors adds n candidates with the given dedup outcome.
func ObserveVendors(outcome string, n int) {
	if discoveryVendorsTotal == nil || n <= 0 {
		return
	}
	discoveryVendorsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveProviderCall records the latency of one provider call.
func ObserveProviderCall(outcome string, duration time.Duration) {
	if discoveryProviderDurationSeconds == nil {
		return
	}
	discoveryProviderDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveWebsiteCheck counts one website verification result.
func ObserveWebsiteCheck(result string) {
	if discoveryWebsiteChecksTotal == nil {
		return
	}
	discoveryWebsiteChecksTotal.WithLabelValues(result).Inc()
}

// ObserveTick counts one scheduler tick outcome.
func ObserveTick(result string) {
	if discoverySchedulerTicksTotal == nil {
		return
	}
	discoverySchedulerTicksTotal.WithLabelValues(result).Inc()
}

// IncActiveManualRuns increments the manual run gauge.
func IncActiveManualRuns() {
	if discoveryActiveManualRuns == nil {
		return
	}
	discoveryActiveManualRuns.Inc()
}

// DecActiveManualRuns decrements the manual run gauge.
func DecActiveManualRuns() {
	if discoveryActiveManualRuns == nil {
		return
	}
	discoveryActiveManualRuns.Dec()
}

// ObserveThrottle records time spent waiting for a rate limit token.
func ObserveThrottle(host string, waited time.Duration) {
	if discoveryThrottleSeconds == nil {
		return
	}
	discoveryThrottleSeconds.WithLabelValues(host).Observe(waited.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
