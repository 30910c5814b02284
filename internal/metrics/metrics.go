// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionDecisionsTotal    *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	aiRequestsTotal            *prometheus.CounterVec
	aiRequestDurationSeconds   *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitebrief_admission_decisions_total",
				Help: "Total admission decisions, labeled by bucket and outcome.",
			},
			[]string{"bucket", "outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitebrief_cache_lookups_total",
				Help: "Total document cache lookups, labeled by variant and result.",
			},
			[]string{"variant", "result"},
		)

		aiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitebrief_ai_requests_total",
				Help: "Total AI completions requested, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		aiRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitebrief_ai_request_duration_seconds",
				Help:    "Histogram of AI completion latencies, labeled by kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission records one admission decision.
func ObserveAdmission(bucket string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	admissionDecisionsTotal.WithLabelValues(bucket, outcome).Inc()
}

// ObserveCacheLookup records one document cache lookup.
func ObserveCacheLookup(variant string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(variant, result).Inc()
}

// ObserveAIRequest records one AI completion attempt.
func ObserveAIRequest(kind, status string, duration time.Duration) {
	aiRequestsTotal.WithLabelValues(kind, status).Inc()
	aiRequestDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
