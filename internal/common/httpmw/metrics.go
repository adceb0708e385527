package httpmw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gantryhq/gantry/internal/metrics"
)

// Metrics records per-request Prometheus counters and latency.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		method := c.Request.Method
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}
