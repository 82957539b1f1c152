package middleware

import (
	"context"
	"net/http"

	"github.com/adamscao/fairaudit/internal/auth"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/gin-gonic/gin"
)

// Admin credential headers
const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderAdminTOTP  = "X-Admin-TOTP"
)

// EventRecorder stores failed authentication attempts
type EventRecorder interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AdminAuth middleware checks the admin token and, when configured, a TOTP code
func AdminAuth(authenticator *auth.AdminAuthenticator, events EventRecorder) gin.HandlerFunc {
	log := logger.ComponentLogger("auth")

	return func(c *gin.Context) {
		token := c.GetHeader(HeaderAdminToken)
		code := c.GetHeader(HeaderAdminTOTP)

		if err := authenticator.Authenticate(token, code); err != nil {
			status := http.StatusForbidden
			if token == "" {
				status = http.StatusUnauthorized
			}

			clientIP := c.ClientIP()
			log.Warnw("Admin authentication failed",
				"security_event", true,
				logger.FieldClientIP, clientIP,
				logger.FieldPath, c.FullPath(),
				logger.FieldError, err,
			)
			if events != nil {
				entry := &models.AuditLog{
					Action:    models.ActionAdminAuthFailed,
					Subject:   c.FullPath(),
					ClientIP:  clientIP,
					UserAgent: c.GetHeader("User-Agent"),
					ErrorMsg:  err.Error(),
				}
				if recErr := events.Create(c.Request.Context(), entry); recErr != nil {
					log.Errorw("Failed to record event", logger.FieldError, recErr)
				}
			}

			c.JSON(status, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing admin credentials",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
