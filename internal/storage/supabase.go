package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SupabaseConfig configures the Supabase Storage client
type SupabaseConfig struct {
	ProjectURL string
	ServiceKey string
	Bucket     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SupabaseStore implements ObjectStore against the Supabase Storage REST API
type SupabaseStore struct {
	storageURL string
	bucket     string
	serviceKey string
	timeout    time.Duration
	client     *http.Client
	logger     *zap.Logger
}

// NewSupabaseStore creates a Supabase Storage client
func NewSupabaseStore(cfg SupabaseConfig, logger *zap.Logger) (*SupabaseStore, error) {
	if cfg.ProjectURL == "" {
		return nil, fmt.Errorf("supabase project URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("supabase service key is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		// No client-level timeout: uploads are streamed and bounded by their context.
		client = &http.Client{}
	}
	return &SupabaseStore{
		storageURL: strings.TrimRight(cfg.ProjectURL, "/") + "/storage/v1",
		bucket:     cfg.Bucket,
		serviceKey: cfg.ServiceKey,
		timeout:    cfg.Timeout,
		client:     client,
		logger:     logger,
	}, nil
}

func (s *SupabaseStore) objectURL(kind, path string) string {
	if kind == "" {
		return fmt.Sprintf("%s/object/%s/%s", s.storageURL, s.bucket, escapePath(path))
	}
	return fmt.Sprintf("%s/object/%s/%s/%s", s.storageURL, kind, s.bucket, escapePath(path))
}

func (s *SupabaseStore) newRequest(ctx context.Context, method, urlStr string, body io.Reader, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do runs a bounded, fully-buffered request
func (s *SupabaseStore) do(ctx context.Context, op, path, method, urlStr string, body []byte, headers map[string]string) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := s.newRequest(ctx, method, urlStr, reader, headers)
	if err != nil {
		return nil, nil, &Error{Op: op, Path: path, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, &Error{Op: op, Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &Error{Op: op, Path: path, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, nil, parseError(op, path, resp.StatusCode, respBody)
	}
	if resp.ContentLength >= 0 && resp.Header.Get("Content-Length") == "" {
		resp.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return respBody, resp.Header, nil
}

func parseError(op, path string, statusCode int, body []byte) *Error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			msg = payload.Message
		} else if payload.Error != "" {
			msg = payload.Error
		}
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return &Error{Op: op, Path: path, StatusCode: statusCode, Message: msg}
}

func (s *SupabaseStore) uploadHeaders(opts WriteOptions) map[string]string {
	headers := map[string]string{"x-upsert": "true"}
	headers["Content-Type"] = opts.ContentType
	if headers["Content-Type"] == "" {
		headers["Content-Type"] = "application/octet-stream"
	}
	if opts.CacheControl != "" {
		headers["Cache-Control"] = opts.CacheControl
	}
	return headers
}

// Stat returns object metadata
func (s *SupabaseStore) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	_, header, err := s.do(ctx, "stat", path, http.MethodHead, s.objectURL("", path), nil, nil)
	if err != nil {
		return nil, err
	}
	size, _ := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
	return &ObjectInfo{
		Path:         path,
		Size:         size,
		ContentType:  header.Get("Content-Type"),
		CacheControl: header.Get("Cache-Control"),
	}, nil
}

// Exists reports whether an object exists
func (s *SupabaseStore) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := s.Stat(ctx, path); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Save uploads an in-memory payload, overwriting any existing object
func (s *SupabaseStore) Save(ctx context.Context, path string, data []byte, opts WriteOptions) error {
	_, _, err := s.do(ctx, "save", path, http.MethodPost, s.objectURL("", path), data, s.uploadHeaders(opts))
	return err
}

// NewWriter opens a streaming upload. The request body is the read side of a pipe,
// so Write blocks until the transport has sent the previous chunk.
func (s *SupabaseStore) NewWriter(ctx context.Context, path string, opts WriteOptions) (Writer, error) {
	pr, pw := io.Pipe()
	req, err := s.newRequest(ctx, http.MethodPost, s.objectURL("", path), pr, s.uploadHeaders(opts))
	if err != nil {
		return nil, &Error{Op: "write", Path: path, Err: err}
	}

	w := &pipeWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		w.done <- s.upload(req, pr, path)
	}()
	return w, nil
}

func (s *SupabaseStore) upload(req *http.Request, pr *io.PipeReader, path string) error {
	resp, err := s.client.Do(req)
	if err != nil {
		uploadErr := &Error{Op: "write", Path: path, Err: err}
		pr.CloseWithError(uploadErr)
		return uploadErr
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 {
		uploadErr := parseError("write", path, resp.StatusCode, body)
		pr.CloseWithError(uploadErr)
		return uploadErr
	}
	pr.Close()
	s.logger.Debug("object uploaded", zap.String("path", path))
	return nil
}

type pipeWriter struct {
	pw   *io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

func (w *pipeWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *pipeWriter) finish(cause error) error {
	w.once.Do(func() {
		if cause != nil {
			w.pw.CloseWithError(cause)
		} else {
			w.pw.Close()
		}
		w.err = <-w.done
	})
	return w.err
}

func (w *pipeWriter) Close() error {
	return w.finish(nil)
}

func (w *pipeWriter) Abort(cause error) error {
	w.finish(cause)
	return cause
}

// SignedURL issues a time-limited URL for reading or uploading one object
func (s *SupabaseStore) SignedURL(ctx context.Context, path string, action Action, expiry time.Duration) (string, error) {
	switch action {
	case ActionRead:
		body, err := json.Marshal(map[string]interface{}{
			"expiresIn": int(expiry.Seconds()),
		})
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}
		respBody, _, err := s.do(ctx, "sign", path, http.MethodPost, s.objectURL("sign", path), body, map[string]string{"Content-Type": "application/json"})
		if err != nil {
			return "", err
		}
		var result struct {
			SignedURL string `json:"signedURL"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return "", fmt.Errorf("unmarshal response: %w", err)
		}
		return s.storageURL + result.SignedURL, nil

	case ActionWrite:
		// Upload URLs have a fixed server-side lifetime; expiry is not configurable.
		respBody, _, err := s.do(ctx, "sign-upload", path, http.MethodPost, s.objectURL("upload/sign", path), nil, map[string]string{"x-upsert": "true"})
		if err != nil {
			return "", err
		}
		var result struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return "", fmt.Errorf("unmarshal response: %w", err)
		}
		return s.storageURL + result.URL, nil
	}
	return "", fmt.Errorf("unsupported signed URL action %q", action)
}

// PublicURL returns the public URL for an object in a public bucket
func (s *SupabaseStore) PublicURL(path string) string {
	return s.objectURL("public", path)
}

// Ping checks that the bucket is reachable
func (s *SupabaseStore) Ping(ctx context.Context) error {
	_, _, err := s.do(ctx, "ping", s.bucket, http.MethodGet, s.storageURL+"/bucket/"+s.bucket, nil, nil)
	return err
}
