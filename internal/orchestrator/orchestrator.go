// Package orchestrator fans one task out per style and joins them with settle-all semantics.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VariantFunc produces the durable asset for one style
type VariantFunc func(ctx context.Context, style string) (models.AssetRef, error)

// Orchestrator runs variant tasks concurrently
type Orchestrator struct {
	logger *zap.Logger
}

// New creates an Orchestrator
func New(logger *zap.Logger) *Orchestrator {
	return &Orchestrator{logger: logger}
}

// GenerateVariants runs fn once per style, all at once, and waits for every task.
// A failing task never cancels its siblings. Results follow plan order.
func (o *Orchestrator) GenerateVariants(ctx context.Context, plan []string, fn VariantFunc) []models.VariantResult {
	results := make([]models.VariantResult, len(plan))
	if len(plan) == 0 {
		return results
	}

	// Plain Group: no derived context, so one failure cannot cancel the rest.
	var g errgroup.Group
	for i, style := range plan {
		g.Go(func() error {
			results[i] = o.runOne(ctx, style, fn)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) runOne(ctx context.Context, style string, fn VariantFunc) (result models.VariantResult) {
	start := time.Now()
	result.Style = style

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("variant task panicked",
				zap.String("style", style),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err := fmt.Errorf("variant %q panicked: %v", style, r)
			result = models.VariantResult{Style: style, Status: models.VariantFailed, FailureReason: err.Error(), Err: err}
		}
		telemetry.VariantResults.WithLabelValues(string(result.Status)).Inc()
	}()

	asset, err := fn(ctx, style)
	if err != nil {
		o.logger.Warn("variant failed",
			zap.String("style", style),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		result.Status = models.VariantFailed
		result.FailureReason = err.Error()
		result.Err = err
		return result
	}

	o.logger.Info("variant succeeded",
		zap.String("style", style),
		zap.String("path", asset.Path),
		zap.Duration("elapsed", time.Since(start)),
	)
	result.Status = models.VariantSucceeded
	result.Asset = &asset
	return result
}
