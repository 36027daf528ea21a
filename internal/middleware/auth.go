// Package middleware provides authentication, recovery and request validation middleware for the Gin web framework.
package middleware

import (
	"crypto/subtle"
	"strings"

	contextutils "lessongen/internal/utils"

	"github.com/gin-gonic/gin"
)

// AdminTokenHeader is an alternative to the Authorization bearer header
const AdminTokenHeader = "X-Admin-Token"

// RequireAdminToken returns a middleware that only lets requests carrying the
// configured admin token through. An empty token disables the admin surface.
func RequireAdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			AbortWithAppError(c, contextutils.WrapError(contextutils.ErrUnauthorized, "admin API is disabled"))
			return
		}

		presented := c.GetHeader(AdminTokenHeader)
		if presented == "" {
			presented = bearerToken(c.GetHeader("Authorization"))
		}
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			AbortWithAppError(c, contextutils.ErrUnauthorized)
			return
		}

		c.Next()
	}
}

// UserContext copies the user ID path parameter into the request context so
// spans and log lines can carry it.
func UserContext(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := strings.TrimSpace(c.Param(param)); userID != "" {
			c.Request = c.Request.WithContext(contextutils.WithUserID(c.Request.Context(), userID))
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
