// Package metrics exposes the Prometheus endpoint and the HTTP request
// instrumentation. Domain metrics (agent executions, LLM tokens, market
// activity) are registered by their owning packages via promauto.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// Singleton to avoid duplicate Prometheus registration
var (
	httpMetricsInstance *httpMetrics
	httpMetricsOnce     sync.Once
)

func getHTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpMetricsInstance = &httpMetrics{
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "foresight_http_requests_total",
				Help: "Total HTTP requests by method, route, and status",
			}, []string{"method", "route", "status"}),
			duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "foresight_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
	})
	return httpMetricsInstance
}

// RecordRequest records one served HTTP request. route should be the
// registered pattern, not the raw path, to bound label cardinality.
func RecordRequest(method, route, status string, seconds float64) {
	m := getHTTPMetrics()
	m.requests.WithLabelValues(method, route, status).Inc()
	m.duration.WithLabelValues(method, route).Observe(seconds)
}
