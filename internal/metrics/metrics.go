// Package metrics exposes Prometheus collectors for the screenshot service.
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
	capturesTotal              *prometheus.CounterVec
	captureDurationSeconds     prometheus.Histogram
	jobsTotal                  *prometheus.CounterVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	webhookDeliverySeconds     prometheus.Histogram
	poolLeasesActive           prometheus.Gauge
	quotaDenialsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenshot_captures_total",
				Help: "Total number of page captures, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		captureDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "screenshot_capture_duration_seconds",
				Help:    "Histogram of page capture latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenshot_jobs_total",
				Help: "Total number of queue jobs processed, labeled by queue and status.",
			},
			[]string{"queue", "status"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenshot_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		webhookDeliverySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "screenshot_webhook_delivery_seconds",
				Help:    "Histogram of webhook delivery latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		poolLeasesActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "screenshot_pool_leases_active",
				Help: "Number of browser pages currently leased from the pool.",
			},
		)

		quotaDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screenshot_quota_denials_total",
				Help: "Total requests denied before capture, labeled by reason.",
			},
			[]string{"reason"},
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

// ObserveCapture records one capture attempt and its duration.
func ObserveCapture(outcome string, duration time.Duration) {
	capturesTotal.WithLabelValues(outcome).Inc()
	captureDurationSeconds.Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given queue and status.
func ObserveJob(queue, status string) {
	jobsTotal.WithLabelValues(queue, status).Inc()
}

// ObserveWebhookDelivery records one delivery attempt and its duration.
func ObserveWebhookDelivery(outcome string, duration time.Duration) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	webhookDeliverySeconds.Observe(duration.Seconds())
}

// IncPoolLeases increments the active lease gauge.
func IncPoolLeases() {
	poolLeasesActive.Inc()
}

// DecPoolLeases decrements the active lease gauge.
func DecPoolLeases() {
	poolLeasesActive.Dec()
}

// ObserveQuotaDenial increments the denial counter for the given reason.
func ObserveQuotaDenial(reason string) {
	quotaDenialsTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
