package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	runIDKey     = "run_id"
	subjectIDKey = "subject_id"
	errorCodeKey = "error_code"
)

// SetRunContext tags the request with the pipeline run it started or queried
func SetRunContext(c *gin.Context, runID, subjectID string) {
	if runID != "" {
		c.Set(runIDKey, runID)
	}
	if subjectID != "" {
		c.Set(subjectIDKey, subjectID)
	}
}

// quietRoutes are probed constantly; successful hits are logged at debug
var quietRoutes = []string{"/health", "/metrics"}

// RequestLogger logs each request once it completes, with the run and subject it
// touched and the error code it answered with.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", GetRequestID(c)),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if query != "" {
			fields = append(fields, zap.String("query", query))
		}
		for _, key := range []string{runIDKey, subjectIDKey, errorCodeKey} {
			if v := c.GetString(key); v != "" {
				fields = append(fields, zap.String(key, v))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("request failed", fields...)
		case status >= 400:
			logger.Warn("client error", fields...)
		case isQuiet(c.FullPath()):
			logger.Debug("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

func isQuiet(route string) bool {
	for _, prefix := range quietRoutes {
		if strings.HasPrefix(route, prefix) {
			return true
		}
	}
	return false
}
