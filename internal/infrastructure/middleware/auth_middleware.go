package middleware

import (
	"strings"

	"guffrelay/internal/core/services"

	"github.com/gin-gonic/gin"
)

// OptionalAuthMiddleware attaches the claims of a valid bearer token to the
// request. Requests without one, or with an invalid one, continue anonymously.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authService.Enabled() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			if claims, err := authService.ValidateToken(parts[1]); err == nil {
				c.Set("user_id", claims.UserID)
				c.Set("username", claims.Username)
				c.Request = c.Request.WithContext(services.ContextWithClaims(c.Request.Context(), claims))
			}
		}

		c.Next()
	}
}
