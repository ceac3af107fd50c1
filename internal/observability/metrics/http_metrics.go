package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics captures API request throughput and latency per route.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	denied   *prometheus.CounterVec
}

var (
	httpMetrics     *HTTPMetrics
	httpMetricsOnce sync.Once
)

// NewHTTPMetrics returns the process-wide HTTP metrics instance,
// registering the collectors on first use.
func NewHTTPMetrics() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpMetrics = newHTTPMetrics(prometheus.DefaultRegisterer)
	})
	return httpMetrics
}

func newHTTPMetrics(registerer prometheus.Registerer) *HTTPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wisdar_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wisdar_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"route", "method"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wisdar_http_rate_limited_total",
			Help: "Requests rejected by the per-account rate limiter.",
		}, []string{"route"}),
	}
	registerer.MustRegister(m.requests, m.duration, m.denied)
	return m
}

// GinMiddleware records one observation per request. Unmatched routes are
// collapsed into a single label to keep cardinality bounded.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, c.Request.Method,
			strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, c.Request.Method).
			Observe(time.Since(start).Seconds())
	}
}

// RecordRateLimited counts one denied request on the given route.
func (m *HTTPMetrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(route).Inc()
}
