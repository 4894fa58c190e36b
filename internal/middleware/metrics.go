package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sims-core-api/internal/service"
)

// Metrics returns middleware that captures request metrics using the provided service.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()
		// Label by route template, never the raw path: enrollment and
		// ranking URLs embed ids and would explode label cardinality.
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, status, duration)
	}
}
