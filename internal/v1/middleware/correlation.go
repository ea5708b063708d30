// Package middleware contains Gin middleware that scopes every downstream
// logging.* call to the request, user, and room it's handling.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pairup/match-core/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns a correlation ID to the request (reusing one the
// caller already supplied) and threads it onto c.Request's context.Context,
// not just the gin.Context key-value store, so logging.*(c.Request.Context(),
// ...) calls made anywhere downstream pick it up.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), correlationID))
		c.Next()
	}
}

// UserID threads the named URL path parameter onto the request's context as
// the acting user id, so logs emitted while handling search/heartbeat routes
// (keyed by :userId) are scoped without every handler repeating the wiring.
func UserID(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id))
		}
		c.Next()
	}
}
