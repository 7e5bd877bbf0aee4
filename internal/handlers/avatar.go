package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avatarforge/api/internal/database"
	"github.com/avatarforge/api/internal/middleware"
	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/persister"
	"github.com/avatarforge/api/internal/pipeline"
	"github.com/avatarforge/api/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxBodyBytes covers a base64-encoded selfie at the pipeline's size limit
const maxBodyBytes = pipeline.MaxSourceImageBytes*4/3 + 64<<10

const (
	stateWriteTimeout    = 5 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

var errRunInterrupted = errors.New("run interrupted by server shutdown")

// RunStateStore holds async run status
type RunStateStore interface {
	Put(ctx context.Context, state models.RunState) error
	Get(ctx context.Context, id uuid.UUID) (*models.RunState, error)
}

// RunHistory looks up audit records of finished runs
type RunHistory interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.RunRecord, error)
}

// AvatarOption customizes an AvatarHandler
type AvatarOption func(*AvatarHandler)

// WithSubjectLimiter limits generation runs per subject id
func WithSubjectLimiter(rl *middleware.RateLimiter) AvatarOption {
	return func(h *AvatarHandler) { h.limiter = rl }
}

// WithRunHistory answers status requests for runs the state store no longer holds
func WithRunHistory(history RunHistory) AvatarOption {
	return func(h *AvatarHandler) { h.history = history }
}

// WithUploadExpiry sets the lifetime requested for signed upload URLs
func WithUploadExpiry(d time.Duration) AvatarOption {
	return func(h *AvatarHandler) { h.uploadExpiry = d }
}

// AvatarHandler serves avatar generation endpoints
type AvatarHandler struct {
	coord        *pipeline.Coordinator
	store        storage.ObjectStore
	runs         RunStateStore
	history      RunHistory
	uploadExpiry time.Duration
	limiter      *middleware.RateLimiter
	logger       *zap.Logger

	// Background runs are cancelled through runCtx when shutdown gives up on them.
	runCtx        context.Context
	stopRuns      context.CancelFunc
	shutdownGrace time.Duration
	inflight      sync.WaitGroup
	mu            sync.Mutex
	active        map[uuid.UUID]string // run id -> subject id
}

// NewAvatarHandler creates an AvatarHandler. runs may be nil, which disables async mode.
func NewAvatarHandler(coord *pipeline.Coordinator, store storage.ObjectStore, runs RunStateStore, logger *zap.Logger, opts ...AvatarOption) *AvatarHandler {
	h := &AvatarHandler{
		coord:         coord,
		store:         store,
		runs:          runs,
		uploadExpiry:  2 * time.Hour,
		logger:        logger,
		shutdownGrace: defaultShutdownGrace,
		active:        make(map[uuid.UUID]string),
	}
	h.runCtx, h.stopRuns = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GenerateAvatarsRequest is the JSON body of a generation request
type GenerateAvatarsRequest struct {
	SubjectID   string   `json:"subjectId" binding:"required"`
	ImageBase64 string   `json:"imageBase64"`
	MimeType    string   `json:"mimeType"`
	SourceURL   string   `json:"sourceUrl"`
	Styles      []string `json:"styles"`
}

// VariantResponse is one generated avatar
type VariantResponse struct {
	Style string `json:"style"`
	URL   string `json:"url"`
}

// GenerateAvatarsResponse is the success payload of a generation run
type GenerateAvatarsResponse struct {
	RunID             uuid.UUID         `json:"runId"`
	SelfieStoragePath string            `json:"selfieStoragePath,omitempty"`
	Variants          []VariantResponse `json:"variants"`
	FailedStyles      []string          `json:"failedStyles"`
}

// RunStatusResponse is the payload of GET /avatars/runs/:id
type RunStatusResponse struct {
	RunID     uuid.UUID                `json:"runId"`
	Status    models.RunStatus         `json:"status"`
	Result    *GenerateAvatarsResponse `json:"result,omitempty"`
	Summary   *RunSummary              `json:"summary,omitempty"`
	Error     string                   `json:"error,omitempty"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// RunSummary describes a finished run from its audit record
type RunSummary struct {
	Kind             models.RunKind `json:"kind"`
	Styles           []string       `json:"styles"`
	SucceededCount   int            `json:"succeededCount"`
	FailedStyles     []string       `json:"failedStyles"`
	ProviderAttempts int            `json:"providerAttempts"`
	LatencyMs        int64          `json:"latencyMs"`
}

func newGenerateResponse(outcome *models.GenerationOutcome) GenerateAvatarsResponse {
	resp := GenerateAvatarsResponse{
		RunID:        outcome.RunID,
		Variants:     make([]VariantResponse, 0, outcome.SucceededCount),
		FailedStyles: outcome.FailedStyles,
	}
	if resp.FailedStyles == nil {
		resp.FailedStyles = []string{}
	}
	if outcome.SourceAsset != nil {
		resp.SelfieStoragePath = outcome.SourceAsset.Path
	}
	for _, v := range outcome.Variants {
		if v.Status == models.VariantSucceeded && v.Asset != nil {
			resp.Variants = append(resp.Variants, VariantResponse{Style: v.Style, URL: v.Asset.URL})
		}
	}
	return resp
}

// GenerateAvatars runs the avatar pipeline for one subject. With ?async=true the run
// continues in the background and 202 is returned with its id.
func (h *AvatarHandler) GenerateAvatars(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	req, err := h.bindGenerationRequest(c)
	if err != nil {
		middleware.BadRequest(c, err.Error())
		return
	}
	if len(req.StylePlan) == 0 {
		req.StylePlan = h.coord.Catalog().Tags()
	}
	if err := h.coord.ValidateGeneration(req); err != nil {
		respondPipelineError(c, h.logger, err)
		return
	}
	if h.limiter != nil && !h.limiter.Allow(req.SubjectID) {
		middleware.RespondErrorWithRetry(c, http.StatusTooManyRequests, middleware.ErrCodeRateLimited,
			"Too many generation runs for this subject", int(h.limiter.RetryAfter().Milliseconds()))
		return
	}
	req.RunID = uuid.New()
	middleware.SetRunContext(c, req.RunID.String(), req.SubjectID)

	if c.Query("async") == "true" {
		h.startAsync(c, req)
		return
	}

	outcome, err := h.coord.RunAvatarPipeline(c.Request.Context(), req)
	if err != nil {
		respondPipelineError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newGenerateResponse(outcome))
}

func (h *AvatarHandler) startAsync(c *gin.Context, req models.GenerationRequest) {
	if h.runs == nil {
		middleware.ServiceUnavailable(c, "async generation requires a run status store")
		return
	}
	state := models.RunState{RunID: req.RunID, SubjectID: req.SubjectID, Status: models.RunStatusRunning, UpdatedAt: time.Now().UTC()}
	if err := h.runs.Put(c.Request.Context(), state); err != nil {
		h.logger.Error("store run state", zap.String("run_id", req.RunID.String()), zap.Error(err))
		middleware.InternalError(c, "could not start run")
		return
	}

	ctx, stop := h.detach(c.Request.Context())
	h.track(req.RunID, req.SubjectID)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer h.untrack(req.RunID)
		defer stop()
		h.runAsync(ctx, req)
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"runId":  req.RunID,
		"status": models.RunStatusRunning,
	})
}

func (h *AvatarHandler) runAsync(ctx context.Context, req models.GenerationRequest) {
	outcome, err := h.coord.RunAvatarPipeline(ctx, req)

	state := models.RunState{RunID: req.RunID, SubjectID: req.SubjectID, UpdatedAt: time.Now().UTC()}
	switch {
	case err != nil && h.runCtx.Err() != nil && errors.Is(err, context.Canceled):
		state.Status = models.RunStatusFailed
		state.Error = errRunInterrupted.Error()
	case err != nil:
		state.Status = models.RunStatusFailed
		state.Error = err.Error()
	default:
		state.Status = models.RunStatusCompleted
		state.Outcome = outcome
	}
	h.putFinal(ctx, state)
}

// putFinal writes a final state even when the run's own context is already cancelled
func (h *AvatarHandler) putFinal(ctx context.Context, state models.RunState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()
	if err := h.runs.Put(ctx, state); err != nil {
		h.logger.Error("store final run state", zap.String("run_id", state.RunID.String()), zap.Error(err))
	}
}

// detach keeps the request's values (trace, request id) but ties cancellation to the
// handler's lifetime instead of the request's.
func (h *AvatarHandler) detach(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	unhook := context.AfterFunc(h.runCtx, cancel)
	return ctx, func() {
		unhook()
		cancel()
	}
}

func (h *AvatarHandler) track(id uuid.UUID, subjectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[id] = subjectID
}

func (h *AvatarHandler) untrack(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, id)
}

func (h *AvatarHandler) unfinished() map[uuid.UUID]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uuid.UUID]string, len(h.active))
	for id, subject := range h.active {
		out[id] = subject
	}
	return out
}

// Shutdown waits for background runs until ctx is done. Runs still going are then
// cancelled, and any that do not settle within the grace period are marked failed so
// pollers do not wait on a run that will never finish.
func (h *AvatarHandler) Shutdown(ctx context.Context) error {
	err := h.Wait(ctx)
	if err == nil {
		return nil
	}

	h.logger.Warn("cancelling background runs", zap.Int("runs", len(h.unfinished())))
	h.stopRuns()
	grace, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.shutdownGrace)
	defer cancel()
	if h.Wait(grace) == nil {
		return err
	}

	for id, subject := range h.unfinished() {
		h.logger.Error("background run abandoned", zap.String("run_id", id.String()))
		h.putFinal(ctx, models.RunState{
			RunID:     id,
			SubjectID: subject,
			Status:    models.RunStatusFailed,
			Error:     errRunInterrupted.Error(),
			UpdatedAt: time.Now().UTC(),
		})
	}
	return err
}

// Wait blocks until background runs finish or ctx is done
func (h *AvatarHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRunStatus returns the state of an async run. Runs whose short-lived state has
// expired are answered from the audit log when one is configured.
func (h *AvatarHandler) GetRunStatus(c *gin.Context) {
	if h.runs == nil && h.history == nil {
		middleware.ServiceUnavailable(c, "run status store is not configured")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.BadRequest(c, "invalid run id")
		return
	}
	middleware.SetRunContext(c, id.String(), "")

	state, err := h.runState(c.Request.Context(), id)
	if errors.Is(err, database.ErrRunNotFound) && h.history != nil {
		var run *models.RunRecord
		if run, err = h.history.GetRun(c.Request.Context(), id); err == nil {
			c.JSON(http.StatusOK, newHistoricStatus(run))
			return
		}
	}
	if errors.Is(err, database.ErrRunNotFound) {
		middleware.NotFound(c, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("load run state", zap.String("run_id", id.String()), zap.Error(err))
		middleware.InternalError(c, "could not load run")
		return
	}

	resp := RunStatusResponse{RunID: state.RunID, Status: state.Status, Error: state.Error, UpdatedAt: state.UpdatedAt}
	if state.Outcome != nil {
		result := newGenerateResponse(state.Outcome)
		resp.Result = &result
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AvatarHandler) runState(ctx context.Context, id uuid.UUID) (*models.RunState, error) {
	if h.runs == nil {
		return nil, database.ErrRunNotFound
	}
	return h.runs.Get(ctx, id)
}

// newHistoricStatus answers from an audit record, which keeps counts but not asset URLs
func newHistoricStatus(run *models.RunRecord) RunStatusResponse {
	return RunStatusResponse{
		RunID:     run.ID,
		Status:    run.Status,
		Error:     run.ErrorMessage,
		UpdatedAt: run.CreatedAt.Add(time.Duration(run.LatencyMs) * time.Millisecond),
		Summary: &RunSummary{
			Kind:             run.Kind,
			Styles:           run.Styles,
			SucceededCount:   run.SucceededCount,
			FailedStyles:     run.FailedStyles,
			ProviderAttempts: run.ProviderAttempts,
			LatencyMs:        run.LatencyMs,
		},
	}
}

// CreateUploadURL issues a signed URL for uploading a subject's selfie directly to storage
func (h *AvatarHandler) CreateUploadURL(c *gin.Context) {
	subjectID := c.Param("subjectId")
	if err := pipeline.ValidateID("subjectId", subjectID); err != nil {
		respondPipelineError(c, h.logger, err)
		return
	}
	var body struct {
		MimeType string `json:"mimeType"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			middleware.BadRequest(c, err.Error())
			return
		}
	}
	if body.MimeType == "" {
		body.MimeType = "image/jpeg"
	}

	path := persister.SelfiePath(subjectID, body.MimeType)
	signed, err := h.store.SignedURL(c.Request.Context(), path, storage.ActionWrite, h.uploadExpiry)
	if err != nil {
		respondPipelineError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":      path,
		"uploadUrl": signed,
	})
}

func (h *AvatarHandler) bindGenerationRequest(c *gin.Context) (models.GenerationRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(c.ContentType())
	if mediaType == "multipart/form-data" {
		return bindMultipart(c)
	}

	var body GenerateAvatarsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return models.GenerationRequest{}, err
	}
	req := models.GenerationRequest{
		SubjectID: body.SubjectID,
		MimeType:  body.MimeType,
		SourceURL: body.SourceURL,
		StylePlan: body.Styles,
	}
	if body.ImageBase64 != "" {
		data, mimeType, err := decodeImage(body.ImageBase64)
		if err != nil {
			return req, err
		}
		req.Image = data
		if req.MimeType == "" {
			req.MimeType = mimeType
		}
	}
	return req, nil
}

func bindMultipart(c *gin.Context) (models.GenerationRequest, error) {
	req := models.GenerationRequest{
		SubjectID: c.PostForm("subjectId"),
		SourceURL: c.PostForm("sourceUrl"),
		StylePlan: splitStyles(c.PostFormArray("styles")),
	}
	header, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return req, err
	}
	f, err := header.Open()
	if err != nil {
		return req, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, pipeline.MaxSourceImageBytes+1))
	if err != nil {
		return req, err
	}
	req.Image = data
	req.MimeType = header.Header.Get("Content-Type")
	if req.MimeType == "" || req.MimeType == "application/octet-stream" {
		req.MimeType = http.DetectContentType(data)
	}
	return req, nil
}

// splitStyles accepts repeated fields as well as one comma-separated field
func splitStyles(values []string) []string {
	var styles []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				styles = append(styles, s)
			}
		}
	}
	return styles
}

// decodeImage accepts raw base64 or a data URL
func decodeImage(encoded string) ([]byte, string, error) {
	var mimeType string
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", errors.New("imageBase64: unsupported data URL")
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		encoded = payload
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", errors.New("imageBase64: invalid base64")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
