package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/avatarforge/api/internal/middleware"
	"github.com/avatarforge/api/internal/pipeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondPipelineError maps a pipeline failure to a single error payload
func respondPipelineError(c *gin.Context, logger *zap.Logger, err error) {
	status, code := classifyError(err)
	if status >= 500 {
		logger.Error("pipeline request failed", zap.String("code", code), zap.Error(err))
	}
	middleware.RespondError(c, status, code, err.Error())
}

func classifyError(err error) (int, string) {
	var validation *pipeline.ValidationError
	var aggregate *pipeline.AggregateFailure
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, middleware.ErrCodeBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, middleware.ErrCodeTimeout
	case errors.As(err, &aggregate):
		if aggregate.Terminal() {
			return http.StatusPaymentRequired, middleware.ErrCodeProviderBilling
		}
		return http.StatusBadGateway, middleware.ErrCodeGeneration
	case pipeline.IsStorageError(err):
		return http.StatusBadGateway, middleware.ErrCodeStorage
	}
	return http.StatusInternalServerError, middleware.ErrCodeInternalError
}
