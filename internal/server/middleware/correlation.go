// Package middleware holds the cross-cutting gin handlers of the proxy.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-Id"

const correlationKey = "correlation_id"

// Correlation assigns every request a correlation id, honoring one the
// client already sent, and echoes it back in the response headers. The id
// ties together access logs, sink entries and error reports.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

// CorrelationID returns the id assigned by Correlation, empty when the
// middleware did not run.
func CorrelationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}
