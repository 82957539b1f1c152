package handlers

import (
	"net/http"
	"strings"

	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/gin-gonic/gin"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// RespondError sends an error response
func RespondError(c *gin.Context, statusCode int, errorCode string, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// RespondErrorWithDetails sends an error response with details
func RespondErrorWithDetails(c *gin.Context, statusCode int, errorCode string, message string, details interface{}) {
	c.JSON(statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

// RespondSuccess sends a success response
func RespondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// StatusForError maps a domain error to an HTTP status and error code
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrDuplicateInFlight):
		return http.StatusConflict, "duplicate_in_flight"
	case errors.Is(err, errors.ErrDuplicateID):
		return http.StatusConflict, "duplicate_id"
	case errors.Is(err, errors.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, errors.ErrTamperedCertificate):
		return http.StatusUnprocessableEntity, "tampered_certificate"
	case errors.Is(err, errors.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// RespondDomainError maps err to a status code and writes it. Internal errors
// are logged and replaced with a generic message.
func RespondDomainError(c *gin.Context, err error) {
	status, code := StatusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.ComponentLogger("api").Errorw("Request failed",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.FullPath(),
			logger.FieldError, err,
		)
		message = "internal server error"
	}
	RespondError(c, status, code, message)
}

// GetClientIP gets the real client IP address
func GetClientIP(c *gin.Context) string {
	// Try X-Forwarded-For header first (for proxied requests)
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}

	// Try X-Real-IP header
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}

	// Fall back to RemoteAddr
	return c.ClientIP()
}
