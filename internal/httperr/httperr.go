// Package httperr maps domain errors onto the API's JSON error shape.
package httperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/mbd888/escrowd/internal/logging"
)

// Status returns the HTTP status for err's class.
func Status(err error) int {
	switch domain.ClassOf(err) {
	case domain.ClassValidation:
		return http.StatusBadRequest
	case domain.ClassForbidden:
		return http.StatusForbidden
	case domain.ClassNotFound:
		return http.StatusNotFound
	case domain.ClassConflict:
		return http.StatusConflict
	case domain.ClassDeadline:
		return http.StatusGone
	case domain.ClassExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes {"error": code, "message": msg}. Internal errors are
// logged and their message is not exposed.
func Respond(c *gin.Context, err error) {
	status := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{
		"error":   domain.CodeOf(err),
		"message": msg,
	})
}

// BadRequest writes a 400 for a body that failed to bind.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}
