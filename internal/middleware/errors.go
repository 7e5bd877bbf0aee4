package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// APIError is the body of every error response
type APIError struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// Error codes
const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeProviderBilling = "PROVIDER_BILLING"
	ErrCodeGeneration      = "GENERATION_FAILED"
	ErrCodeStorage         = "STORAGE_ERROR"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeUnavailable     = "SERVICE_UNAVAILABLE"
)

// RespondError sends an error response and aborts the chain
func RespondError(c *gin.Context, status int, code string, message string) {
	c.Set(errorCodeKey, code)
	c.AbortWithStatusJSON(status, APIError{Error: message, Code: code})
}

// RespondErrorWithRetry sends an error response with a retry hint
func RespondErrorWithRetry(c *gin.Context, status int, code string, message string, retryAfterMs int) {
	if retryAfterMs > 0 {
		secs := (retryAfterMs + 999) / 1000
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	c.Set(errorCodeKey, code)
	c.AbortWithStatusJSON(status, APIError{Error: message, Code: code, RetryAfterMs: retryAfterMs})
}

// BadRequest sends a 400 error
func BadRequest(c *gin.Context, message string) {
	RespondError(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound sends a 404 error
func NotFound(c *gin.Context, message string) {
	RespondError(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError sends a 500 error
func InternalError(c *gin.Context, message string) {
	RespondError(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable sends a 503 error for a missing backing service
func ServiceUnavailable(c *gin.Context, message string) {
	RespondError(c, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}
