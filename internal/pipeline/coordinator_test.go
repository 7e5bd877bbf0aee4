package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avatarforge/api/internal/config"
	"github.com/avatarforge/api/internal/invoker"
	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/orchestrator"
	"github.com/avatarforge/api/internal/persister"
	"github.com/avatarforge/api/internal/provider"
	"github.com/avatarforge/api/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var selfie = []byte("\xff\xd8\xff\xe0 selfie bytes")

// fakeProvider serves outputs from an httptest server and fails keys on demand.
// Keys are the style name, or the model id when no style is set.
type fakeProvider struct {
	outputBase string

	mu     sync.Mutex
	fail   map[string]error
	block  bool
	calls  map[string]int
	inputs map[string]provider.Input
}

func (p *fakeProvider) Run(ctx context.Context, modelID string, input provider.Input) ([]string, error) {
	key := input.StyleName
	if key == "" {
		key = modelID
	}
	p.mu.Lock()
	p.calls[key]++
	p.inputs[key] = input
	err := p.fail[key]
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return []string{p.outputBase + "/out/" + persister.Slug(key) + ".png"}, nil
}

func (p *fakeProvider) callCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[key]
}

func (p *fakeProvider) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type recorder struct {
	mu   sync.Mutex
	runs []models.RunRecord
}

func (r *recorder) RecordRun(ctx context.Context, run models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

type events struct {
	mu      sync.Mutex
	avatars []*models.GenerationOutcome
	sent    []*models.SendImageResult
}

func (e *events) AvatarGenerated(ctx context.Context, outcome *models.GenerationOutcome) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.avatars = append(e.avatars, outcome)
	return nil
}

func (e *events) ImageSent(ctx context.Context, recipientID string, result *models.SendImageResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, result)
	return nil
}

type harness struct {
	coord    *Coordinator
	provider *fakeProvider
	store    *storage.MemoryStore
	recorder *recorder
	events   *events
}

func newHarness(t *testing.T, store storage.ObjectStore, cfg Config) *harness {
	t.Helper()
	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png:" + r.URL.Path))
	}))
	t.Cleanup(assets.Close)

	catalog, err := config.LoadStyleCatalog("")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	fp := &fakeProvider{
		outputBase: assets.URL,
		fail:       map[string]error{},
		calls:      map[string]int{},
		inputs:     map[string]provider.Input{},
	}
	mem := storage.NewMemoryStore("https://mem.test")
	if store == nil {
		store = mem
	}
	iv := invoker.New(fp, invoker.Config{MaxAttempts: 3, RetryDelay: 5 * time.Second}, logger,
		invoker.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))

	h := &harness{provider: fp, store: mem, recorder: &recorder{}, events: &events{}}
	h.coord = NewCoordinator(catalog, iv, orchestrator.New(logger), persister.New(store, persister.Config{}, logger), store, cfg, logger,
		WithRecorder(h.recorder), WithEvents(h.events))
	return h
}

func avatarRequest(styles ...string) models.GenerationRequest {
	return models.GenerationRequest{
		SubjectID: "coach-1",
		Image:     selfie,
		MimeType:  "image/jpeg",
		StylePlan: styles,
	}
}

func TestRunAvatarPipelinePartialFailure(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.provider.fail["Comic book"] = errors.New("dial tcp 10.0.0.1:443: connection reset by peer")

	outcome, err := h.coord.RunAvatarPipeline(context.Background(), avatarRequest("Digital Art", "Comic book", "Disney Charactor"))
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.SucceededCount)
	assert.Equal(t, []string{"Comic book"}, outcome.FailedStyles)
	require.Len(t, outcome.Variants, 3)
	assert.Equal(t, "Digital Art", outcome.Variants[0].Style)
	assert.Equal(t, "Comic book", outcome.Variants[1].Style)
	assert.Equal(t, "Disney Charactor", outcome.Variants[2].Style)
	assert.Equal(t, models.VariantFailed, outcome.Variants[1].Status)
	assert.Contains(t, outcome.Variants[1].FailureReason, "connection reset")

	assert.Equal(t, 3, h.provider.callCount("Comic book"))
	assert.Equal(t, 1, h.provider.callCount("Digital Art"))
	assert.Equal(t, 1, h.provider.callCount("Disney Charactor"))

	// Every style got the signed selfie URL as input.
	input := h.provider.inputs["Digital Art"]
	assert.Contains(t, input.InputImage, "https://mem.test/sign/coaches/coach-1/selfie.jpg")
	assert.Contains(t, input.Prompt, "Digital Art style")
	assert.Equal(t, 1, input.NumOutputs)

	require.NotNil(t, outcome.SourceAsset)
	assert.Equal(t, "coaches/coach-1/selfie.jpg", outcome.SourceAsset.Path)
	stored, ok := h.store.Get("coaches/coach-1/selfie.jpg")
	require.True(t, ok)
	assert.Equal(t, selfie, stored)

	avatar, ok := h.store.Get("coaches/coach-1/avatars/digital-art.png")
	require.True(t, ok)
	assert.Equal(t, "png:/out/digital-art.png", string(avatar))
	assert.Equal(t, "https://mem.test/public/coaches/coach-1/avatars/digital-art.png", outcome.Variants[0].Asset.URL)
	_, ok = h.store.Get("coaches/coach-1/avatars/comic-book.png")
	assert.False(t, ok)

	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, models.RunStatusCompleted, h.recorder.runs[0].Status)
	assert.Equal(t, []string{"Comic book"}, h.recorder.runs[0].FailedStyles)
	assert.Equal(t, 5, outcome.ProviderAttempts, "one call each for two styles, three for the failing one")
	assert.Equal(t, 5, h.recorder.runs[0].ProviderAttempts)
	require.Len(t, h.events.avatars, 1)
	assert.Equal(t, outcome.RunID, h.events.avatars[0].RunID)
}

func TestRunAvatarPipelineSingleTerminalStyle(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.provider.fail["Digital Art"] = &provider.APIError{StatusCode: http.StatusPaymentRequired, Detail: "You have insufficient credit to run this model"}

	outcome, err := h.coord.RunAvatarPipeline(context.Background(), avatarRequest("Digital Art"))
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.Equal(t, 1, h.provider.total())

	var agg *AggregateFailure
	require.True(t, errors.As(err, &agg))
	assert.True(t, agg.Terminal())
	assert.True(t, invoker.IsTerminal(err))

	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, models.RunStatusFailed, h.recorder.runs[0].Status)
	assert.Equal(t, 0, h.recorder.runs[0].SucceededCount)
	assert.Equal(t, 1, h.recorder.runs[0].ProviderAttempts)
	assert.Empty(t, h.events.avatars)
}

func TestRunAvatarPipelineAllFail(t *testing.T) {
	h := newHarness(t, nil, Config{})
	for _, style := range []string{"Digital Art", "Comic book"} {
		h.provider.fail[style] = &provider.APIError{StatusCode: http.StatusServiceUnavailable, Detail: "overloaded"}
	}

	_, err := h.coord.RunAvatarPipeline(context.Background(), avatarRequest("Digital Art", "Comic book"))
	var agg *AggregateFailure
	require.True(t, errors.As(err, &agg))
	assert.Len(t, agg.Failures, 2)
	assert.False(t, agg.Terminal())
	assert.Equal(t, 6, h.provider.total())
}

func TestRunAvatarPipelinePathsAreStableAcrossRuns(t *testing.T) {
	h := newHarness(t, nil, Config{})
	req := avatarRequest("Comic book")

	first, err := h.coord.RunAvatarPipeline(context.Background(), req)
	require.NoError(t, err)
	second, err := h.coord.RunAvatarPipeline(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Variants[0].Asset.Path, second.Variants[0].Asset.Path)
	assert.Equal(t, first.SourceAsset.Path, second.SourceAsset.Path)
	assert.Len(t, h.store.Paths(), 2)
}

func TestRunAvatarPipelineKeepsRunID(t *testing.T) {
	h := newHarness(t, nil, Config{})
	req := avatarRequest("Digital Art")
	req.RunID = uuid.New()

	outcome, err := h.coord.RunAvatarPipeline(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.RunID, outcome.RunID)
}

func TestRunAvatarPipelineSourceURL(t *testing.T) {
	h := newHarness(t, nil, Config{})
	req := models.GenerationRequest{SubjectID: "coach-1", SourceURL: "https://cdn.example.com/me.jpg", StylePlan: []string{"Digital Art"}}

	outcome, err := h.coord.RunAvatarPipeline(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, outcome.SourceAsset)
	assert.Equal(t, "https://cdn.example.com/me.jpg", h.provider.inputs["Digital Art"].InputImage)
}

func TestRunAvatarPipelineValidation(t *testing.T) {
	h := newHarness(t, nil, Config{})
	tests := []struct {
		name  string
		field string
		req   models.GenerationRequest
	}{
		{"missing subject", "subjectId", models.GenerationRequest{Image: selfie, MimeType: "image/jpeg", StylePlan: []string{"Digital Art"}}},
		{"path in subject", "subjectId", models.GenerationRequest{SubjectID: "../x", Image: selfie, MimeType: "image/jpeg", StylePlan: []string{"Digital Art"}}},
		{"no image", "image", models.GenerationRequest{SubjectID: "c", StylePlan: []string{"Digital Art"}}},
		{"both sources", "image", models.GenerationRequest{SubjectID: "c", Image: selfie, MimeType: "image/jpeg", SourceURL: "https://x/y.jpg", StylePlan: []string{"Digital Art"}}},
		{"not an image", "mimeType", models.GenerationRequest{SubjectID: "c", Image: selfie, MimeType: "text/plain", StylePlan: []string{"Digital Art"}}},
		{"bad url", "sourceUrl", models.GenerationRequest{SubjectID: "c", SourceURL: "ftp://x/y.jpg", StylePlan: []string{"Digital Art"}}},
		{"no styles", "styles", models.GenerationRequest{SubjectID: "c", Image: selfie, MimeType: "image/jpeg"}},
		{"unknown style", "styles", models.GenerationRequest{SubjectID: "c", Image: selfie, MimeType: "image/jpeg", StylePlan: []string{"Vaporwave"}}},
		{"duplicate style", "styles", models.GenerationRequest{SubjectID: "c", Image: selfie, MimeType: "image/jpeg", StylePlan: []string{"Comic book", "Comic book"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.RunAvatarPipeline(context.Background(), tt.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Equal(t, 0, h.provider.total())
	assert.Empty(t, h.store.Paths())
	assert.Empty(t, h.recorder.runs)
}

// failingStore rejects direct saves
type failingStore struct {
	*storage.MemoryStore
}

func (s failingStore) Save(ctx context.Context, path string, data []byte, opts storage.WriteOptions) error {
	return &storage.Error{Op: "write", Path: path, StatusCode: http.StatusForbidden, Message: "row-level security"}
}

func TestRunAvatarPipelineSourceStorageFailureIsFatal(t *testing.T) {
	h := newHarness(t, failingStore{storage.NewMemoryStore("https://mem.test")}, Config{})

	_, err := h.coord.RunAvatarPipeline(context.Background(), avatarRequest("Digital Art", "Comic book"))
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.Equal(t, 0, h.provider.total())
	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, models.RunStatusFailed, h.recorder.runs[0].Status)
}

func TestRunAvatarPipelineDeadline(t *testing.T) {
	h := newHarness(t, nil, Config{Timeout: 50 * time.Millisecond})
	h.provider.block = true

	start := time.Now()
	_, err := h.coord.RunAvatarPipeline(context.Background(), avatarRequest("Digital Art", "Comic book"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	// The deadline ends retries after the first attempt.
	assert.Equal(t, 1, h.provider.callCount("Digital Art"))
}

func TestSendImageUsesPrimary(t *testing.T) {
	h := newHarness(t, nil, Config{})
	send := h.coord.Catalog().Send

	result, err := h.coord.SendImage(context.Background(), models.SendImageRequest{RecipientID: "user-7", Prompt: "a runner at dawn"})
	require.NoError(t, err)
	assert.Equal(t, send.PrimaryModel, result.ModelID)
	assert.Equal(t, send.StyleDescription, result.StyleDescription)
	assert.True(t, strings.HasPrefix(result.ImagePath, "users/user-7/generated/"))
	assert.Equal(t, "https://mem.test/public/"+result.ImagePath, result.ImageURL)
	assert.Equal(t, 0, h.provider.callCount(send.BackupModel))
	assert.Equal(t, "a runner at dawn, "+send.StyleDescription, h.provider.inputs[send.PrimaryModel].Prompt)

	require.Len(t, h.events.sent, 1)
	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, models.RunKindSendImage, h.recorder.runs[0].Kind)
	assert.Equal(t, send.PrimaryModel, h.recorder.runs[0].ModelID)
}

func TestSendImageFallsBackToBackup(t *testing.T) {
	h := newHarness(t, nil, Config{})
	send := h.coord.Catalog().Send
	h.provider.fail[send.PrimaryModel] = errors.New("prediction failed: CUDA out of memory")

	result, err := h.coord.SendImage(context.Background(), models.SendImageRequest{RecipientID: "user-7", Prompt: "a runner"})
	require.NoError(t, err)
	assert.Equal(t, send.BackupModel, result.ModelID)
	assert.Equal(t, 3, h.provider.callCount(send.PrimaryModel))
	assert.Equal(t, 1, h.provider.callCount(send.BackupModel))

	_, ok := h.store.Get(result.ImagePath)
	assert.True(t, ok)
	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, 4, h.recorder.runs[0].ProviderAttempts)
}

func TestSendImageBothModelsFail(t *testing.T) {
	h := newHarness(t, nil, Config{})
	send := h.coord.Catalog().Send
	h.provider.fail[send.PrimaryModel] = &provider.APIError{StatusCode: http.StatusPaymentRequired, Detail: "spend limit reached"}
	h.provider.fail[send.BackupModel] = &provider.APIError{StatusCode: http.StatusPaymentRequired, Detail: "spend limit reached"}

	_, err := h.coord.SendImage(context.Background(), models.SendImageRequest{RecipientID: "user-7", Prompt: "a runner"})
	var agg *AggregateFailure
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Failures, 2)
	assert.Equal(t, send.PrimaryModel, agg.Failures[0].Label)
	assert.Equal(t, send.BackupModel, agg.Failures[1].Label)
	assert.True(t, agg.Terminal())
	assert.Equal(t, 1, h.provider.callCount(send.PrimaryModel))
	assert.Equal(t, 1, h.provider.callCount(send.BackupModel))
	assert.Empty(t, h.events.sent)
}

func TestSendImageSourceRef(t *testing.T) {
	h := newHarness(t, nil, Config{})
	send := h.coord.Catalog().Send

	_, err := h.coord.SendImage(context.Background(), models.SendImageRequest{RecipientID: "u", Prompt: "p", SourceImageRef: "coaches/c1/selfie.jpg"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, h.provider.total())

	require.NoError(t, h.store.Save(context.Background(), "coaches/c1/selfie.jpg", selfie, storage.WriteOptions{ContentType: "image/jpeg"}))
	_, err = h.coord.SendImage(context.Background(), models.SendImageRequest{RecipientID: "u", Prompt: "p", SourceImageRef: "coaches/c1/selfie.jpg"})
	require.NoError(t, err)
	assert.Contains(t, h.provider.inputs[send.PrimaryModel].InputImage, "https://mem.test/sign/coaches/c1/selfie.jpg")
}

func TestSendImageValidation(t *testing.T) {
	h := newHarness(t, nil, Config{})
	_, err := h.coord.SendImage(context.Background(), models.SendImageRequest{RecipientID: "u"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "prompt", verr.Field)
}
