// README: Gin middleware that budgets requests per caller and route through the rate limiter.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"courierhub/internal/metrics"
	"courierhub/internal/modules/ratelimit"
)

// RateLimit budgets requests per caller and route. A failing limiter lets the request through.
func RateLimit(limiter ratelimit.Limiter, route string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerUID(c)
		if caller == "" {
			caller = c.ClientIP()
		}
		ok, err := limiter.Allow(c.Request.Context(), caller+":"+route)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "rate limiter unavailable", "route", route, "error", err)
			c.Next()
			return
		}
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
