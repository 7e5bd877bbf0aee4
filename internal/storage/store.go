// Package storage provides the durable object store used for selfies and generated
// avatars. Objects are addressed by bucket-relative path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// Action is the capability granted by a signed URL
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("storage: object not found")

// WriteOptions carries object metadata for uploads
type WriteOptions struct {
	ContentType  string
	CacheControl string
}

// ObjectInfo is object metadata
type ObjectInfo struct {
	Path         string
	Size         int64
	ContentType  string
	CacheControl string
}

// Writer is a streaming upload. Write blocks while the destination is not accepting
// data. Close commits the object; Abort destroys the stream and reports cause.
type Writer interface {
	io.Writer
	Close() error
	Abort(cause error) error
}

// ObjectStore is the durable object store contract
type ObjectStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (*ObjectInfo, error)
	NewWriter(ctx context.Context, path string, opts WriteOptions) (Writer, error)
	Save(ctx context.Context, path string, data []byte, opts WriteOptions) error
	SignedURL(ctx context.Context, path string, action Action, expiry time.Duration) (string, error)
	PublicURL(path string) string
	Ping(ctx context.Context) error
}

// Error is a storage operation failure
type Error struct {
	Op         string
	Path       string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("storage %s %s: status %d: %s", e.Op, e.Path, e.StatusCode, msg)
	}
	return fmt.Sprintf("storage %s %s: %s", e.Op, e.Path, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports not-found responses as ErrNotFound
func (e *Error) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	if e.StatusCode == 404 {
		return true
	}
	return e.StatusCode == 400 && strings.Contains(strings.ToLower(e.Message), "not found")
}

// escapePath escapes each segment of an object path, keeping separators
func escapePath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
