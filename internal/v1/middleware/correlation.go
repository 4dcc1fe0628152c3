// Package middleware contains Gin middleware shared by the HTTP surfaces.
package middleware

import (
	"context"

	"github.com/arenalab/arena/internal/v1/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID carries the request's correlation id in both
// directions. An inbound value is reused so ids survive proxy hops.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags every request with a correlation id and the owning
// process id. Both land in the request context, so any log line written
// downstream (matchmake handlers, the WebSocket gateway) can be joined
// back to the request that caused it.
func CorrelationID(processID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, correlationID)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		if processID != "" {
			ctx = context.WithValue(ctx, logging.ProcessIDKey, processID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
