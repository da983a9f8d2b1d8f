package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TraceMiddleware assigns each request a trace ID, taken from the
// X-Request-ID header when the caller supplies one. The ID is stored in
// gin.Context (key: "traceID") and the request's context.Context, and is
// echoed back on the response so gateway webhooks can be correlated with
// provider-side request logs.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Set("traceID", traceID)
		ctx := context.WithValue(c.Request.Context(), "traceID", traceID)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", traceID)
		c.Next()
	}
}
