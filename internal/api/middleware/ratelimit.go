package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

// RateLimit throttles requests per client IP and route. When the limiter
// errors the request is let through unless failClosed is set.
func RateLimit(limiter ratelimit.Limiter, failClosed bool) gin.HandlerFunc {
	log := logger.ComponentLogger("ratelimit")

	return func(c *gin.Context) {
		key := c.ClientIP() + ":" + c.FullPath()

		decision, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Warnw("Rate limiter unavailable", logger.FieldError, err)
			if failClosed {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":   "rate_limit_unavailable",
					"message": "rate limiter unavailable",
				})
				return
			}
			c.Next()
			return
		}

		writeRateLimitHeaders(c, decision)
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, decision ratelimit.Decision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
