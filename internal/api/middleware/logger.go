package middleware

import (
	"time"

	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/gin-gonic/gin"
)

// Logger logs each request with zap once it completes
func Logger() gin.HandlerFunc {
	log := logger.ComponentLogger("http")

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldClientIP, c.ClientIP(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logger.FieldError, c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Errorw("Request", fields...)
		case status >= 400:
			log.Warnw("Request", fields...)
		default:
			log.Infow("Request", fields...)
		}
	}
}
