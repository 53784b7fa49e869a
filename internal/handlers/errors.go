package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pi-plinko-backend/internal/logger"
	"pi-plinko-backend/internal/services"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		ve *services.ValidationError
		ee *services.ExternalVerificationError
		se *services.StateError
		pe *services.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ee):
		return http.StatusPaymentRequired
	case errors.As(err, &se):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict), errors.Is(err, services.ErrDuplicate):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, message string, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError || services.IsState(err) {
		logger.Error(message, "path", c.FullPath(), "status", status, logger.Err(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request",
		"details": err.Error(),
	})
}
