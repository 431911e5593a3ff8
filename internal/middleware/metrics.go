// Package middleware provides the Gin middleware shared by every marketplace route:
// request ids, Prometheus metrics, rate limiting and security headers.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds.
//
// The path label is the matched route template (e.g. /api/v1/organizations/:id/inventory),
// never the raw URL, so organization ids do not become label values. Unmatched
// requests use "<no-route>".
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
