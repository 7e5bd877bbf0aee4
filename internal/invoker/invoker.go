// Package invoker wraps a single provider call with a bounded retry policy.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/provider"
	"github.com/avatarforge/api/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/avatarforge/api/internal/invoker")

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
)

// ModelError is the failure of a whole invocation after its attempts were spent
type ModelError struct {
	Classification provider.Classification
	Message        string
	ModelID        string
	Attempts       int
	Err            error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s model error on %s after %d attempt(s): %s", e.Classification, e.ModelID, e.Attempts, e.Message)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Terminal reports whether the provider refused to bill the run
func (e *ModelError) Terminal() bool {
	return e.Classification == provider.Terminal
}

// Config is the retry policy
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// Call is one (style, model) invocation
type Call struct {
	Style   string
	ModelID string
	Input   provider.Input
}

// Result is a successful invocation
type Result struct {
	OutputRef string
	Attempts  []models.ModelInvocation
}

// Option customizes an Invoker
type Option func(*Invoker)

// WithBreaker reports settled invocations to a circuit breaker
func WithBreaker(cb *provider.CircuitBreaker) Option {
	return func(iv *Invoker) { iv.breaker = cb }
}

// WithSleep replaces the inter-attempt wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(iv *Invoker) { iv.sleep = sleep }
}

// Invoker runs provider calls with fixed-delay retries
type Invoker struct {
	provider provider.Provider
	cfg      Config
	logger   *zap.Logger
	breaker  *provider.CircuitBreaker
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an Invoker
func New(p provider.Provider, cfg Config, logger *zap.Logger, opts ...Option) *Invoker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	iv := &Invoker{provider: p, cfg: cfg, logger: logger, sleep: sleepContext}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Invoke runs the call, retrying retryable failures up to MaxAttempts in total.
// Terminal failures are returned after the attempt that produced them.
func (iv *Invoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	ctx, span := tracer.Start(ctx, "invoker.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("style", call.Style),
		attribute.String("model", call.ModelID),
	)

	attempts := make([]models.ModelInvocation, 0, iv.cfg.MaxAttempts)
	var lastErr error

	for attempt := 1; attempt <= iv.cfg.MaxAttempts; attempt++ {
		record := models.ModelInvocation{
			ModelID:       call.ModelID,
			PromptText:    call.Input.Prompt,
			InputRefs:     inputRefs(call.Input),
			AttemptNumber: attempt,
		}

		start := time.Now()
		outputs, err := iv.provider.Run(ctx, call.ModelID, call.Input)
		elapsed := time.Since(start)
		record.LatencyMs = elapsed.Milliseconds()
		telemetry.ProviderLatency.WithLabelValues(call.ModelID).Observe(elapsed.Seconds())

		if err == nil && len(outputs) == 0 {
			err = provider.ErrEmptyOutput
		}

		if err == nil {
			record.Outcome = models.Outcome{Kind: models.OutcomeSuccess, OutputRef: outputs[0]}
			attempts = append(attempts, record)
			iv.observe(call, record)
			if iv.breaker != nil {
				iv.breaker.RecordSuccess()
			}
			span.SetAttributes(attribute.Int("attempts", attempt))
			return &Result{OutputRef: outputs[0], Attempts: attempts}, nil
		}

		lastErr = err
		class := provider.Classify(err)
		if class == provider.Terminal {
			record.Outcome = models.Outcome{Kind: models.OutcomeTerminal, Reason: err.Error()}
		} else {
			record.Outcome = models.Outcome{Kind: models.OutcomeRetryable, Reason: err.Error()}
		}
		attempts = append(attempts, record)
		iv.observe(call, record)

		if class == provider.Terminal {
			return nil, iv.fail(span, call, provider.Terminal, attempt, err)
		}
		if ctx.Err() != nil {
			// The overall deadline is gone; another attempt cannot start.
			return nil, iv.fail(span, call, provider.Retryable, attempt, err)
		}
		if attempt < iv.cfg.MaxAttempts {
			if err := iv.sleep(ctx, iv.cfg.RetryDelay); err != nil {
				return nil, iv.fail(span, call, provider.Retryable, attempt, lastErr)
			}
		}
	}

	return nil, iv.fail(span, call, provider.Retryable, iv.cfg.MaxAttempts, lastErr)
}

func (iv *Invoker) observe(call Call, record models.ModelInvocation) {
	telemetry.ProviderAttempts.WithLabelValues(call.ModelID, string(record.Outcome.Kind)).Inc()

	fields := []zap.Field{
		zap.String("style", call.Style),
		zap.String("model", call.ModelID),
		zap.Int("attempt", record.AttemptNumber),
		zap.Int64("latency_ms", record.LatencyMs),
		zap.String("outcome", string(record.Outcome.Kind)),
	}
	if record.Outcome.Kind == models.OutcomeSuccess {
		iv.logger.Info("provider attempt succeeded", fields...)
		return
	}
	iv.logger.Warn("provider attempt failed", append(fields, zap.String("reason", record.Outcome.Reason))...)
}

func (iv *Invoker) fail(span trace.Span, call Call, class provider.Classification, attempts int, err error) error {
	if iv.breaker != nil {
		iv.breaker.RecordFailure()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(class))
	return &ModelError{
		Classification: class,
		Message:        err.Error(),
		ModelID:        call.ModelID,
		Attempts:       attempts,
		Err:            err,
	}
}

func inputRefs(in provider.Input) []string {
	if in.InputImage == "" {
		return nil
	}
	return []string{in.InputImage}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTerminal reports whether err carries a terminal provider failure
func IsTerminal(err error) bool {
	var modelErr *ModelError
	return errors.As(err, &modelErr) && modelErr.Terminal()
}
