// Package provider talks to the hosted image-generation API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider runs one model with one input and returns the output asset references
type Provider interface {
	Run(ctx context.Context, modelID string, input Input) ([]string, error)
}

// Input is the model input shared by the supported image models
type Input struct {
	Prompt               string `json:"prompt"`
	InputImage           string `json:"input_image,omitempty"`
	StyleName            string `json:"style_name,omitempty"`
	NumOutputs           int    `json:"num_outputs,omitempty"`
	NegativePrompt       string `json:"negative_prompt,omitempty"`
	DisableSafetyChecker bool   `json:"disable_safety_checker,omitempty"`
}

// Config configures the predictions client
type Config struct {
	BaseURL           string
	Token             string
	PollInterval      time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables client-side throttling
	HTTPClient        *http.Client
}

// Client is a predictions API client
type Client struct {
	baseURL      string
	token        string
	pollInterval time.Duration
	timeout      time.Duration
	limiter      *rate.Limiter
	http         *http.Client
	logger       *zap.Logger
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// NewClient creates a predictions client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		limiter:      rate.NewLimiter(limit, 1),
		http:         httpClient,
		logger:       logger,
	}, nil
}

// Run creates a prediction, waits for it to settle and returns its output URLs.
// modelID is either "owner/name" or "owner/name:version".
func (c *Client) Run(ctx context.Context, modelID string, input Input) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint, body, err := c.createRequest(modelID, input)
	if err != nil {
		return nil, err
	}

	pred, err := c.send(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}

	for !settled(pred.Status) {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("prediction %s still %s: %w", pred.ID, pred.Status, ctx.Err())
		case <-time.After(c.pollInterval):
		}

		pollURL := pred.URLs.Get
		if pollURL == "" {
			pollURL = c.baseURL + "/v1/predictions/" + pred.ID
		}
		if pred, err = c.send(ctx, http.MethodGet, pollURL, nil); err != nil {
			return nil, err
		}
	}

	if pred.Status != "succeeded" {
		return nil, &APIError{Status: pred.Status, Detail: errorDetail(pred.Error), PredictionID: pred.ID}
	}

	outputs := parseOutputs(pred.Output)
	if len(outputs) == 0 {
		return nil, fmt.Errorf("prediction %s: %w", pred.ID, ErrEmptyOutput)
	}
	c.logger.Debug("prediction succeeded",
		zap.String("prediction_id", pred.ID),
		zap.String("model", modelID),
		zap.Int("outputs", len(outputs)),
	)
	return outputs, nil
}

func (c *Client) createRequest(modelID string, input Input) (string, []byte, error) {
	reqBody := map[string]interface{}{"input": input}
	endpoint := c.baseURL + "/v1/models/" + modelID + "/predictions"

	if name, version, ok := strings.Cut(modelID, ":"); ok {
		if name == "" || version == "" {
			return "", nil, fmt.Errorf("invalid model id %q", modelID)
		}
		reqBody["version"] = version
		endpoint = c.baseURL + "/v1/predictions"
	} else if strings.Count(modelID, "/") != 1 {
		return "", nil, fmt.Errorf("invalid model id %q", modelID)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, fmt.Errorf("marshal prediction request: %w", err)
	}
	return endpoint, body, nil
}

func (c *Client) send(ctx context.Context, method, urlStr string, body []byte) (*prediction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "wait")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Detail: httpErrorDetail(resp.StatusCode, respBody)}
	}

	var pred prediction
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return nil, fmt.Errorf("decode prediction: %w", err)
	}
	return &pred, nil
}

func settled(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

func parseOutputs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		outputs := list[:0]
		for _, u := range list {
			if u != "" {
				outputs = append(outputs, u)
			}
		}
		return outputs
	}
	var single string
	if json.Unmarshal(raw, &single) == nil && single != "" {
		return []string{single}
	}
	return nil
}

func errorDetail(raw json.RawMessage) string {
	var msg string
	if json.Unmarshal(raw, &msg) == nil && msg != "" {
		return msg
	}
	if len(raw) == 0 || string(raw) == "null" {
		return "no error detail"
	}
	return string(raw)
}

func httpErrorDetail(status int, body []byte) string {
	var payload struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Title != "" {
			return payload.Title
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}

// Ping checks that the API is reachable and the token is accepted
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Detail: httpErrorDetail(resp.StatusCode, body)}
	}
	return nil
}
