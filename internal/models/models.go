package models

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeKind tags the result of a single provider attempt
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetryable OutcomeKind = "retryable_failure"
	OutcomeTerminal  OutcomeKind = "terminal_failure"
)

// Outcome is the tagged result of one ModelInvocation
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	OutputRef string      `json:"output_ref,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// ModelInvocation records one attempt of one style against one model
type ModelInvocation struct {
	ModelID       string   `json:"model_id"`
	PromptText    string   `json:"prompt_text"`
	InputRefs     []string `json:"input_refs,omitempty"`
	AttemptNumber int      `json:"attempt_number"` // 1-based
	Outcome       Outcome  `json:"outcome"`
	LatencyMs     int64    `json:"latency_ms"`
}

// ModelSelection is a primary model plus an ordered fallback chain
type ModelSelection struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// Chain returns the primary followed by the fallbacks
func (m ModelSelection) Chain() []string {
	chain := make([]string, 0, 1+len(m.Fallbacks))
	if m.Primary != "" {
		chain = append(chain, m.Primary)
	}
	for _, id := range m.Fallbacks {
		if id != "" {
			chain = append(chain, id)
		}
	}
	return chain
}

// GenerationRequest is one inbound avatar generation call. It is never persisted.
// Exactly one of Image or SourceURL carries the reference photo. A zero RunID is
// replaced with a fresh one.
type GenerationRequest struct {
	RunID     uuid.UUID
	SubjectID string
	Image     []byte
	MimeType  string
	SourceURL string
	StylePlan []string
}

// AssetRef is a durable reference to a stored object
type AssetRef struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// VariantStatus is the terminal state of one style variant
type VariantStatus string

const (
	VariantSucceeded VariantStatus = "succeeded"
	VariantFailed    VariantStatus = "failed"
)

// VariantResult is the settled result of one style in a run
type VariantResult struct {
	Style         string        `json:"style"`
	Status        VariantStatus `json:"status"`
	Asset         *AssetRef     `json:"asset,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`

	// Err keeps the typed cause for callers; not serialized.
	Err error `json:"-"`
}

// GenerationOutcome aggregates a whole avatar run. ProviderAttempts counts provider
// calls across all styles, retries included.
type GenerationOutcome struct {
	RunID            uuid.UUID       `json:"run_id"`
	SubjectID        string          `json:"subject_id"`
	SourceAsset      *AssetRef       `json:"source_asset,omitempty"`
	Variants         []VariantResult `json:"variants"`
	SucceededCount   int             `json:"succeeded_count"`
	FailedStyles     []string        `json:"failed_styles"`
	ProviderAttempts int             `json:"provider_attempts"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
}

// SendImageRequest asks for one generated image delivered to one recipient
type SendImageRequest struct {
	RecipientID    string
	Prompt         string
	SourceImageRef string
}

// SendImageResult is the outcome of a single-target generation
type SendImageResult struct {
	RunID            uuid.UUID `json:"run_id"`
	ImageURL         string    `json:"image_url"`
	ImagePath        string    `json:"image_path"`
	StyleDescription string    `json:"style_description"`
	ModelID          string    `json:"model_id"`
}

// RunKind distinguishes the two pipeline entry points
type RunKind string

const (
	RunKindAvatar    RunKind = "avatar"
	RunKindSendImage RunKind = "send_image"
)

// RunStatus is the lifecycle state of a pipeline run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the audit row written after each run
type RunRecord struct {
	ID               uuid.UUID `json:"id"`
	Kind             RunKind   `json:"kind"`
	SubjectID        string    `json:"subject_id"`
	Status           RunStatus `json:"status"`
	Styles           []string  `json:"styles"`
	SucceededCount   int       `json:"succeeded_count"`
	FailedStyles     []string  `json:"failed_styles"`
	ModelID          string    `json:"model_id,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	LatencyMs        int64     `json:"latency_ms"`
	ProviderAttempts int       `json:"provider_attempts"`
	CreatedAt        time.Time `json:"created_at"`
}

// RunState is the short-lived status snapshot served to pollers of async runs
type RunState struct {
	RunID     uuid.UUID          `json:"run_id"`
	SubjectID string             `json:"subject_id"`
	Status    RunStatus          `json:"status"`
	Outcome   *GenerationOutcome `json:"outcome,omitempty"`
	Error     string             `json:"error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}
