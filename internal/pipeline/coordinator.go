// Package pipeline coordinates avatar generation runs end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avatarforge/api/internal/config"
	"github.com/avatarforge/api/internal/invoker"
	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/orchestrator"
	"github.com/avatarforge/api/internal/persister"
	"github.com/avatarforge/api/internal/provider"
	"github.com/avatarforge/api/internal/storage"
	"github.com/avatarforge/api/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/avatarforge/api/internal/pipeline")

// RunRecorder stores the audit record of a finished run
type RunRecorder interface {
	RecordRun(ctx context.Context, run models.RunRecord) error
}

// EventPublisher announces finished runs
type EventPublisher interface {
	AvatarGenerated(ctx context.Context, outcome *models.GenerationOutcome) error
	ImageSent(ctx context.Context, recipientID string, result *models.SendImageResult) error
}

// Config holds run-level limits
type Config struct {
	SignedURLExpiry time.Duration
	Timeout         time.Duration
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithRecorder writes an audit record after every run
func WithRecorder(r RunRecorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithEvents publishes an event after every successful run
func WithEvents(p EventPublisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs the avatar and send-image pipelines
type Coordinator struct {
	catalog      *config.StyleCatalog
	invoker      *invoker.Invoker
	orchestrator *orchestrator.Orchestrator
	persister    *persister.Persister
	store        storage.ObjectStore
	recorder     RunRecorder
	events       EventPublisher
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
}

// NewCoordinator wires a Coordinator
func NewCoordinator(
	catalog *config.StyleCatalog,
	iv *invoker.Invoker,
	orch *orchestrator.Orchestrator,
	p *persister.Persister,
	store storage.ObjectStore,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = 24 * time.Hour
	}
	c := &Coordinator{
		catalog:      catalog,
		invoker:      iv,
		orchestrator: orch,
		persister:    p,
		store:        store,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Catalog returns the style catalog the coordinator validates against
func (c *Coordinator) Catalog() *config.StyleCatalog {
	return c.catalog
}

func (c *Coordinator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// RunAvatarPipeline persists the source photo, renders every style in the plan and
// persists each success. It fails when the source photo cannot be stored or when no
// style succeeded; otherwise failed styles are reported in the outcome.
func (c *Coordinator) RunAvatarPipeline(ctx context.Context, req models.GenerationRequest) (*models.GenerationOutcome, error) {
	if err := c.ValidateGeneration(req); err != nil {
		return nil, err
	}
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.RunAvatarPipeline")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", req.RunID.String()),
		attribute.String("subject_id", req.SubjectID),
		attribute.Int("styles", len(req.StylePlan)),
	)

	logger := c.logger.With(zap.String("run_id", req.RunID.String()), zap.String("subject_id", req.SubjectID))
	outcome := &models.GenerationOutcome{
		RunID:        req.RunID,
		SubjectID:    req.SubjectID,
		FailedStyles: []string{},
		StartedAt:    c.now(),
	}

	inputURL := req.SourceURL
	if len(req.Image) > 0 {
		ref, err := c.persister.PersistBytes(ctx, req.Image, persister.SelfiePath(req.SubjectID, req.MimeType), req.MimeType)
		if err != nil {
			return nil, c.finishAvatar(ctx, logger, req, outcome, fmt.Errorf("store source image: %w", err))
		}
		outcome.SourceAsset = &ref

		signed, err := c.store.SignedURL(ctx, ref.Path, storage.ActionRead, c.cfg.SignedURLExpiry)
		if err != nil {
			return nil, c.finishAvatar(ctx, logger, req, outcome, fmt.Errorf("sign source image: %w", err))
		}
		inputURL = signed
	}

	var attempts atomic.Int64
	outcome.Variants = c.orchestrator.GenerateVariants(ctx, req.StylePlan, func(ctx context.Context, style string) (models.AssetRef, error) {
		spec, _ := c.catalog.Lookup(style)
		res, err := c.invoker.Invoke(ctx, invoker.Call{
			Style:   style,
			ModelID: spec.Model,
			Input: provider.Input{
				Prompt:               spec.Prompt(),
				InputImage:           inputURL,
				StyleName:            spec.Tag,
				NumOutputs:           spec.NumOutputs,
				NegativePrompt:       spec.NegativePrompt,
				DisableSafetyChecker: spec.DisableSafetyChecker,
			},
		})
		attempts.Add(int64(attemptCount(res, err)))
		if err != nil {
			return models.AssetRef{}, err
		}
		// A storage failure here discards the generation; it is not retried.
		return c.persister.PersistURL(ctx, res.OutputRef,
			persister.AvatarPath(req.SubjectID, style, spec.OutputFormat),
			"image/"+spec.OutputFormat)
	})
	outcome.ProviderAttempts = int(attempts.Load())

	var failures []Failure
	for _, v := range outcome.Variants {
		if v.Status == models.VariantSucceeded {
			outcome.SucceededCount++
			continue
		}
		outcome.FailedStyles = append(outcome.FailedStyles, v.Style)
		failures = append(failures, Failure{Label: v.Style, Err: v.Err})
	}

	if outcome.SucceededCount == 0 {
		return nil, c.finishAvatar(ctx, logger, req, outcome, &AggregateFailure{Kind: string(models.RunKindAvatar), Failures: failures})
	}
	return outcome, c.finishAvatar(ctx, logger, req, outcome, nil)
}

// finishAvatar stamps the outcome, records the run and returns runErr unchanged
func (c *Coordinator) finishAvatar(ctx context.Context, logger *zap.Logger, req models.GenerationRequest, outcome *models.GenerationOutcome, runErr error) error {
	outcome.FinishedAt = c.now()
	elapsed := outcome.FinishedAt.Sub(outcome.StartedAt)

	status := models.RunStatusCompleted
	if runErr != nil {
		status = models.RunStatusFailed
	}
	telemetry.PipelineRuns.WithLabelValues(string(models.RunKindAvatar), string(status)).Observe(elapsed.Seconds())

	record := models.RunRecord{
		ID:               req.RunID,
		Kind:             models.RunKindAvatar,
		SubjectID:        req.SubjectID,
		Status:           status,
		Styles:           req.StylePlan,
		SucceededCount:   outcome.SucceededCount,
		FailedStyles:     outcome.FailedStyles,
		LatencyMs:        elapsed.Milliseconds(),
		ProviderAttempts: outcome.ProviderAttempts,
		CreatedAt:        outcome.StartedAt,
	}
	if runErr != nil {
		record.ErrorMessage = runErr.Error()
		logger.Error("avatar run failed", zap.Duration("elapsed", elapsed), zap.Error(runErr))
	} else {
		logger.Info("avatar run completed",
			zap.Int("succeeded", outcome.SucceededCount),
			zap.Strings("failed_styles", outcome.FailedStyles),
			zap.Duration("elapsed", elapsed),
		)
	}
	c.record(ctx, logger, record)

	if runErr == nil && c.events != nil {
		if err := c.events.AvatarGenerated(context.WithoutCancel(ctx), outcome); err != nil {
			logger.Warn("publish avatar event", zap.Error(err))
		}
	}
	return runErr
}

// SendImage generates one image for a recipient, falling back to the backup model
// when the primary fails for any reason.
func (c *Coordinator) SendImage(ctx context.Context, req models.SendImageRequest) (*models.SendImageResult, error) {
	if err := validateSend(req); err != nil {
		return nil, err
	}
	runID := uuid.New()

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.SendImage")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID.String()), attribute.String("recipient_id", req.RecipientID))

	logger := c.logger.With(zap.String("run_id", runID.String()), zap.String("recipient_id", req.RecipientID))
	started := c.now()

	inputURL, err := c.resolveSource(ctx, req.SourceImageRef)
	if err != nil {
		return nil, c.finishSend(ctx, logger, runID, req, started, 0, nil, err)
	}

	send := c.catalog.Send
	selection := models.ModelSelection{Primary: send.PrimaryModel, Fallbacks: []string{send.BackupModel}}
	path := persister.SentImagePath(req.RecipientID, started, send.OutputFormat)

	var failures []Failure
	attempts := 0
	for i, modelID := range selection.Chain() {
		ref, n, err := c.sendOnce(ctx, modelID, send, req, inputURL, path)
		attempts += n
		if err == nil {
			result := &models.SendImageResult{
				RunID:            runID,
				ImageURL:         ref.URL,
				ImagePath:        ref.Path,
				StyleDescription: send.StyleDescription,
				ModelID:          modelID,
			}
			return result, c.finishSend(ctx, logger, runID, req, started, attempts, result, nil)
		}
		failures = append(failures, Failure{Label: modelID, Err: err})
		if ctx.Err() != nil {
			break
		}
		if i == 0 {
			logger.Warn("primary model failed, falling back", zap.String("model", modelID), zap.Error(err))
		}
	}

	span.SetStatus(codes.Error, "all models failed")
	return nil, c.finishSend(ctx, logger, runID, req, started, attempts, nil, &AggregateFailure{Kind: string(models.RunKindSendImage), Failures: failures})
}

// sendOnce is one link of the send chain. It also returns the provider attempts it made.
func (c *Coordinator) sendOnce(ctx context.Context, modelID string, send config.SendSpec, req models.SendImageRequest, inputURL, path string) (models.AssetRef, int, error) {
	res, err := c.invoker.Invoke(ctx, invoker.Call{
		Style:   "send",
		ModelID: modelID,
		Input: provider.Input{
			Prompt:         send.Prompt(req.Prompt),
			InputImage:     inputURL,
			NegativePrompt: send.NegativePrompt,
		},
	})
	attempts := attemptCount(res, err)
	if err != nil {
		return models.AssetRef{}, attempts, err
	}
	ref, err := c.persister.PersistURL(ctx, res.OutputRef, path, "image/"+send.OutputFormat)
	return ref, attempts, err
}

func (c *Coordinator) finishSend(ctx context.Context, logger *zap.Logger, runID uuid.UUID, req models.SendImageRequest, started time.Time, attempts int, result *models.SendImageResult, runErr error) error {
	elapsed := c.now().Sub(started)
	status := models.RunStatusCompleted
	if runErr != nil {
		status = models.RunStatusFailed
	}
	telemetry.PipelineRuns.WithLabelValues(string(models.RunKindSendImage), string(status)).Observe(elapsed.Seconds())

	record := models.RunRecord{
		ID:               runID,
		Kind:             models.RunKindSendImage,
		SubjectID:        req.RecipientID,
		Status:           status,
		Styles:           []string{},
		FailedStyles:     []string{},
		LatencyMs:        elapsed.Milliseconds(),
		ProviderAttempts: attempts,
		CreatedAt:        started,
	}
	if result != nil {
		record.ModelID = result.ModelID
		record.SucceededCount = 1
	}
	if runErr != nil {
		record.ErrorMessage = runErr.Error()
		logger.Error("send image failed", zap.Duration("elapsed", elapsed), zap.Error(runErr))
	} else {
		logger.Info("image sent", zap.String("model", result.ModelID), zap.String("path", result.ImagePath), zap.Duration("elapsed", elapsed))
	}
	c.record(ctx, logger, record)

	if runErr == nil && c.events != nil {
		if err := c.events.ImageSent(context.WithoutCancel(ctx), req.RecipientID, result); err != nil {
			logger.Warn("publish image event", zap.Error(err))
		}
	}
	return runErr
}

func (c *Coordinator) record(ctx context.Context, logger *zap.Logger, run models.RunRecord) {
	if c.recorder == nil {
		return
	}
	// The run deadline may already be spent; the audit write gets its own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.recorder.RecordRun(ctx, run); err != nil {
		logger.Warn("record run", zap.Error(err))
	}
}

// resolveSource turns a caller-supplied reference into a URL the provider can fetch.
// Storage paths are checked and signed for reading.
func (c *Coordinator) resolveSource(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || isHTTPURL(ref) {
		return ref, nil
	}
	ok, err := c.store.Exists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("check source image: %w", err)
	}
	if !ok {
		return "", &ValidationError{Field: "sourceImageRef", Message: fmt.Sprintf("object %q does not exist", ref)}
	}
	signed, err := c.store.SignedURL(ctx, ref, storage.ActionRead, c.cfg.SignedURLExpiry)
	if err != nil {
		return "", fmt.Errorf("sign source image: %w", err)
	}
	return signed, nil
}

func attemptCount(res *invoker.Result, err error) int {
	if res != nil {
		return len(res.Attempts)
	}
	var modelErr *invoker.ModelError
	if errors.As(err, &modelErr) {
		return modelErr.Attempts
	}
	return 0
}

// IsStorageError reports whether err came from the object store or a persist step
func IsStorageError(err error) bool {
	var storageErr *storage.Error
	var persistErr *persister.PersistError
	return errors.As(err, &storageErr) || errors.As(err, &persistErr)
}
