// Package api provides the HTTP surface of the agent gateway.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/agent-gateway/pkg/agent"
	"github.com/yourorg/agent-gateway/pkg/enrollment"
	"github.com/yourorg/agent-gateway/pkg/installer"
	"github.com/yourorg/agent-gateway/pkg/job"
	"github.com/yourorg/agent-gateway/pkg/tenant"
)

// statusFor maps domain errors onto HTTP status codes. Anything unmapped is a
// 500 and its detail stays server-side.
func statusFor(err error) int {
	switch {
	case errors.Is(err, enrollment.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, enrollment.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, enrollment.ErrInvalidKey):
		return http.StatusUnauthorized
	case errors.Is(err, enrollment.ErrQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, job.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, job.ErrNotFound),
		errors.Is(err, agent.ErrNotFound),
		errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, installer.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the mapped status with a message safe to expose. 500s
// get a fixed body so internals never leak.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	c.JSON(status, gin.H{"error": message})
}
