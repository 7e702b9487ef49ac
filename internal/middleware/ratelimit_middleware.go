package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sentinal-e2ee/internal/redis"
	"sentinal-e2ee/internal/transport/httpdto"
	"sentinal-e2ee/pkg/logger"
)

type UpgradeLimiter interface {
	AllowUpgrade(ctx context.Context, ip string) (redis.RateLimitResult, error)
}

// UpgradeRateLimitMiddleware limits relay upgrade attempts per client address.
// A limiter error lets the request through.
func UpgradeRateLimitMiddleware(limiter UpgradeLimiter, l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.AllowUpgrade(c.Request.Context(), c.ClientIP())
		if err != nil {
			if l != nil {
				l.Errorf("upgrade rate limit check failed: %s", err)
			}
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("connection rate limit exceeded", "RATE_LIMITED"))
			c.Abort()
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, result redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
