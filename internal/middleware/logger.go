package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/omninoc/backend/internal/logger"
	"github.com/omninoc/backend/internal/metrics"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs one line per request and records request metrics.
// Routes are labelled by their template so path ids do not explode the
// metric cardinality.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		entry := logger.GetLogger().WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency":    latency.String(),
			"client_ip":  c.ClientIP(),
			"company_id": c.GetUint(ContextCompanyID),
			"user_id":    c.GetUint(ContextUserID),
		})
		if status >= 500 {
			entry.Warn("[API] request failed")
		} else {
			entry.Info("[API] request")
		}
	}
}
