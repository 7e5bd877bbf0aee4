package middleware

import (
	"net/http"

	"github.com/avatarforge/api/internal/provider"
	"github.com/gin-gonic/gin"
)

// CircuitBreakerMiddleware rejects generation requests while the provider breaker is open
func CircuitBreakerMiddleware(cb *provider.CircuitBreaker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cb.Allow() {
			RespondErrorWithRetry(c, http.StatusServiceUnavailable, ErrCodeCircuitOpen,
				"Image provider is temporarily unavailable due to repeated failures",
				int(cb.RetryAfter().Milliseconds()))
			return
		}
		c.Next()
	}
}
