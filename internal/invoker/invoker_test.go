package invoker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedProvider returns one scripted response per call
type scriptedProvider struct {
	mu        sync.Mutex
	responses []response
	calls     int
}

type response struct {
	outputs []string
	err     error
}

func (p *scriptedProvider) Run(ctx context.Context, modelID string, input provider.Input) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx].outputs, p.responses[idx].err
}

func noSleep(delays *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

func testCall() Call {
	return Call{
		Style:   "Comic book",
		ModelID: "tencentarc/photomaker-style",
		Input:   provider.Input{Prompt: "a coach img", InputImage: "https://signed/selfie.jpg"},
	}
}

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	p := &scriptedProvider{responses: []response{{outputs: []string{"https://out/0.png", "https://out/1.png"}}}}
	var delays []time.Duration
	iv := New(p, Config{MaxAttempts: 3, RetryDelay: 5 * time.Second}, zaptest.NewLogger(t), noSleep(&delays))

	res, err := iv.Invoke(context.Background(), testCall())
	require.NoError(t, err)
	assert.Equal(t, "https://out/0.png", res.OutputRef)
	require.Len(t, res.Attempts, 1)
	assert.GreaterOrEqual(t, res.Attempts[0].LatencyMs, int64(0))
	assert.Equal(t, 1, res.Attempts[0].AttemptNumber)
	assert.Equal(t, models.OutcomeSuccess, res.Attempts[0].Outcome.Kind)
	assert.Equal(t, []string{"https://signed/selfie.jpg"}, res.Attempts[0].InputRefs)
	assert.Empty(t, delays)
	assert.Equal(t, 1, p.calls)
}

func TestInvokeTerminalErrorIsNotRetried(t *testing.T) {
	p := &scriptedProvider{responses: []response{{err: &provider.APIError{StatusCode: http.StatusPaymentRequired, Detail: "insufficient credit"}}}}
	var delays []time.Duration
	iv := New(p, Config{MaxAttempts: 3, RetryDelay: 5 * time.Second}, zaptest.NewLogger(t), noSleep(&delays))

	_, err := iv.Invoke(context.Background(), testCall())
	var modelErr *ModelError
	require.True(t, errors.As(err, &modelErr))
	assert.Equal(t, provider.Terminal, modelErr.Classification)
	assert.Equal(t, 1, modelErr.Attempts)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, 1, p.calls)
	assert.Empty(t, delays)
}

func TestInvokeRetryableExhaustsThreeAttempts(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: errors.New("dial tcp: connection refused")},
		{err: errors.New("read: connection reset by peer")},
		{err: &provider.APIError{StatusCode: http.StatusBadGateway, Detail: "bad gateway"}},
	}}
	var delays []time.Duration
	iv := New(p, Config{MaxAttempts: 3, RetryDelay: 5 * time.Second}, zaptest.NewLogger(t), noSleep(&delays))

	_, err := iv.Invoke(context.Background(), testCall())
	var modelErr *ModelError
	require.True(t, errors.As(err, &modelErr))
	assert.Equal(t, provider.Retryable, modelErr.Classification)
	assert.Equal(t, 3, modelErr.Attempts)
	assert.Contains(t, modelErr.Message, "bad gateway", "last observed error surfaces")
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
}

func TestInvokeServerErrorMentioningBillingIsRetried(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: &provider.APIError{StatusCode: http.StatusServiceUnavailable, Detail: "billing service temporarily unavailable, please retry"}},
	}}
	var delays []time.Duration
	iv := New(p, Config{MaxAttempts: 3, RetryDelay: 5 * time.Second}, zaptest.NewLogger(t), noSleep(&delays))

	_, err := iv.Invoke(context.Background(), testCall())
	assert.False(t, IsTerminal(err))
	assert.Equal(t, 3, p.calls)
	assert.Len(t, delays, 2)
}

func TestInvokeEmptyOutputIsRetried(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{outputs: nil},
		{outputs: []string{"https://out/ok.png"}},
	}}
	var delays []time.Duration
	iv := New(p, Config{MaxAttempts: 3, RetryDelay: time.Second}, zaptest.NewLogger(t), noSleep(&delays))

	res, err := iv.Invoke(context.Background(), testCall())
	require.NoError(t, err)
	assert.Equal(t, "https://out/ok.png", res.OutputRef)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, models.OutcomeRetryable, res.Attempts[0].Outcome.Kind)
	assert.Equal(t, 2, p.calls)
}

func TestInvokeTerminalAfterRetryableStops(t *testing.T) {
	p := &scriptedProvider{responses: []response{
		{err: errors.New("timeout")},
		{err: errors.New("Monthly spend limit reached")},
		{outputs: []string{"https://never"}},
	}}
	var delays []time.Duration
	iv := New(p, Config{MaxAttempts: 3}, zaptest.NewLogger(t), noSleep(&delays))

	_, err := iv.Invoke(context.Background(), testCall())
	require.True(t, IsTerminal(err))
	assert.Equal(t, 2, p.calls)
}

func TestInvokeStopsWhenContextDone(t *testing.T) {
	p := &scriptedProvider{responses: []response{{err: errors.New("timeout")}}}
	ctx, cancel := context.WithCancel(context.Background())
	iv := New(p, Config{MaxAttempts: 3, RetryDelay: time.Hour}, zaptest.NewLogger(t), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return context.Canceled
	}))

	_, err := iv.Invoke(ctx, testCall())
	var modelErr *ModelError
	require.True(t, errors.As(err, &modelErr))
	assert.Equal(t, 1, modelErr.Attempts)
	assert.Equal(t, 1, p.calls)
}

func TestInvokeFeedsBreaker(t *testing.T) {
	cb := provider.NewCircuitBreaker(2, 1, time.Minute)
	p := &scriptedProvider{responses: []response{{err: errors.New("insufficient credit")}}}
	iv := New(p, Config{MaxAttempts: 3}, zaptest.NewLogger(t), WithBreaker(cb))

	iv.Invoke(context.Background(), testCall())
	iv.Invoke(context.Background(), testCall())
	assert.Equal(t, provider.CircuitOpen, cb.State())
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
