package middleware

import (
	"guffrelay/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ClientIPMiddleware stores gin's resolved client IP in the request context.
// Forwarding headers only count when the direct peer is one of the engine's
// trusted proxies.
func ClientIPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}
