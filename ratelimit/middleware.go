package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"voucher-service/monitoring"
)

// KeyFunc derives the caller identity from a request.
type KeyFunc func(c *gin.Context) string

// ByClientIP identifies callers by their IP address. Forwarded headers only
// count when the engine trusts the peer, see handlers.NewEngine.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// Middleware refuses requests beyond maxRequests per window with 429.
// scope keeps separate tiers from sharing a window for the same caller.
func Middleware(l *Limiter, scope string, maxRequests int, window time.Duration, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Allow(scope+":"+key(c), maxRequests, window) {
			c.Next()
			return
		}

		monitoring.RateLimitRejections.Add(c.Request.Context(), 1,
			metric.WithAttributes(attribute.String("scope", scope)),
		)
		c.Header("Retry-After", retryAfter(window))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
	}
}

func retryAfter(window time.Duration) string {
	seconds := int(window.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
