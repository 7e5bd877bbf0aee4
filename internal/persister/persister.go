// Package persister moves generated assets into the durable object store.
package persister

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avatarforge/api/internal/models"
	"github.com/avatarforge/api/internal/storage"
	"github.com/avatarforge/api/internal/telemetry"
	"go.uber.org/zap"
)

const DefaultBufferSize = 32 * 1024

// PersistError is a failed persist. StatusCode is set when the source fetch returned non-2xx.
type PersistError struct {
	Path       string
	Source     string
	StatusCode int
	Err        error
}

func (e *PersistError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("persist %s: source %s returned status %d", e.Path, e.Source, e.StatusCode)
	}
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Config configures a Persister
type Config struct {
	BufferSize   int
	CacheControl string
	HTTPClient   *http.Client
}

// Persister writes assets to storage
type Persister struct {
	store        storage.ObjectStore
	http         *http.Client
	bufferSize   int
	cacheControl string
	logger       *zap.Logger
}

// New creates a Persister
func New(store storage.ObjectStore, cfg Config, logger *zap.Logger) *Persister {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Persister{
		store:        store,
		http:         cfg.HTTPClient,
		bufferSize:   cfg.BufferSize,
		cacheControl: cfg.CacheControl,
		logger:       logger,
	}
}

// PersistURL streams the object at sourceURL into path. At most one copy buffer is
// held in memory; writes block until the destination accepts them.
// A failed write leaves whatever the destination already committed in place.
func (p *Persister) PersistURL(ctx context.Context, sourceURL, path, contentType string) (models.AssetRef, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return models.AssetRef{}, p.failed("stream", &PersistError{Path: path, Source: sourceURL, Err: err})
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return models.AssetRef{}, p.failed("stream", &PersistError{Path: path, Source: sourceURL, Err: fmt.Errorf("fetch source: %w", err)})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return models.AssetRef{}, p.failed("stream", &PersistError{
			Path:       path,
			Source:     sourceURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("fetch source: %s", resp.Status),
		})
	}

	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}

	w, err := p.store.NewWriter(ctx, path, storage.WriteOptions{ContentType: contentType, CacheControl: p.cacheControl})
	if err != nil {
		return models.AssetRef{}, p.failed("stream", &PersistError{Path: path, Source: sourceURL, Err: err})
	}

	n, err := p.copy(w, resp.Body)
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("short copy: %d of %d bytes", n, resp.ContentLength)
	}
	if err != nil {
		if abortErr := w.Abort(err); abortErr != nil && !errors.Is(abortErr, err) {
			p.logger.Warn("abort write stream", zap.String("path", path), zap.Error(abortErr))
		}
		return models.AssetRef{}, p.failed("stream", &PersistError{Path: path, Source: sourceURL, Err: err})
	}
	if err := w.Close(); err != nil {
		return models.AssetRef{}, p.failed("stream", &PersistError{Path: path, Source: sourceURL, Err: err})
	}

	telemetry.PersistedBytes.WithLabelValues("stream").Add(float64(n))
	p.logger.Info("asset persisted",
		zap.String("path", path),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return models.AssetRef{Path: path, URL: p.store.PublicURL(path)}, nil
}

// copy moves src into dst one buffer at a time. Each Write returns only once the
// destination took the chunk, so the source is not read ahead of the sink.
func (p *Persister) copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, p.bufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write destination: %w", werr)
			}
			if nw != nr {
				return written, fmt.Errorf("write destination: %w", io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("read source: %w", rerr)
		}
	}
}

// PersistBytes saves an in-memory payload to path
func (p *Persister) PersistBytes(ctx context.Context, data []byte, path, contentType string) (models.AssetRef, error) {
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	err := p.store.Save(ctx, path, data, storage.WriteOptions{ContentType: contentType, CacheControl: p.cacheControl})
	if err != nil {
		return models.AssetRef{}, p.failed("bytes", &PersistError{Path: path, Err: err})
	}

	telemetry.PersistedBytes.WithLabelValues("bytes").Add(float64(len(data)))
	p.logger.Info("asset saved", zap.String("path", path), zap.Int("bytes", len(data)))
	return models.AssetRef{Path: path, URL: p.store.PublicURL(path)}, nil
}

func (p *Persister) failed(mode string, err *PersistError) error {
	telemetry.PersistFailures.WithLabelValues(mode).Inc()
	p.logger.Error("persist failed",
		zap.String("mode", mode),
		zap.String("path", err.Path),
		zap.Int("source_status", err.StatusCode),
		zap.Error(err),
	)
	return err
}
