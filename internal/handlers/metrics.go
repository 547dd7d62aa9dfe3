package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments for the HTTP surface and the
// circulation operations behind it.
type Metrics struct {
	circulationOps  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the instruments on reg and returns them. Tests pass
// a private registry so repeated setup does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	circulationOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "library_circulation_operations_total",
			Help: "Total circulation operations by type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "library_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	reg.MustRegister(circulationOps)
	reg.MustRegister(requestDuration)

	return &Metrics{
		circulationOps:  circulationOps,
		requestDuration: requestDuration,
	}
}

// ObserveOperation records one borrow/return outcome.
func (m *Metrics) ObserveOperation(operation, outcome string) {
	m.circulationOps.WithLabelValues(operation, outcome).Inc()
}

// Middleware records per-request latency labelled by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
