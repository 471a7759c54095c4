package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shipgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route", "status"})

	gateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipgate",
		Subsystem: "governance",
		Name:      "gate_rejections_total",
		Help:      "Submissions rejected by a governance gate",
	}, []string{"gate"})

	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipgate",
		Subsystem: "governance",
		Name:      "dispatches_total",
		Help:      "Outbound engine dispatch results by action",
	}, []string{"action", "result"})
)

// metricsMiddleware records per-route request latency. The route label
// uses the registered pattern, not the raw path, to keep cardinality
// bounded.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestDuration.WithLabelValues(
			c.Request.Method, route, strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
