package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestIDMiddleware assigns every request an identifier, honoring one
// supplied by an upstream proxy. The identifier is echoed in the response so
// users can quote it in bug reports.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID returns the request identifier assigned by RequestIDMiddleware,
// or "" when the middleware did not run.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
