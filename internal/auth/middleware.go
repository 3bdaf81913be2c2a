// Package auth resolves the acting user and admin privileges for a request.
//
// User identity is asserted upstream (API gateway or session layer) and
// arrives in the X-User-ID header. Admin and mediator routes require the
// shared X-Admin-Secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderAdminSecret = "X-Admin-Secret"

	userKey  = "auth.user"
	adminKey = "auth.admin"
)

// Middleware records the acting user on the gin context, the request's
// logger context and the active span. A malformed user id is a 400; a
// missing one is left for RequireUser to decide.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.Next()
			return
		}
		if !validation.IsValidID(userID) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "X-User-ID contains invalid characters.",
			})
			return
		}
		c.Set(userKey, userID)
		ctx := c.Request.Context()
		trace.SpanFromContext(ctx).SetAttributes(traces.Actor(userID))
		c.Request = c.Request.WithContext(logging.WithActor(ctx, userID))
		c.Next()
	}
}

// RequireUser rejects requests without an acting user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetUserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin compares X-Admin-Secret with secret in constant time. An
// empty secret turns the admin surface off.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		msg := "Invalid admin secret."
		switch {
		case len(want) == 0:
			msg = "Admin API disabled."
		case subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderAdminSecret)), want) == 1:
			c.Set(adminKey, true)
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": msg})
	}
}

// GetUserID returns the acting user, or "".
func GetUserID(c *gin.Context) string {
	return c.GetString(userKey)
}

// IsAdmin reports whether the request passed RequireAdmin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(adminKey)
}

// SetUser marks c as acting for userID. Tests and internal callers use it
// in place of the header.
func SetUser(c *gin.Context, userID string) {
	c.Set(userKey, userID)
}
