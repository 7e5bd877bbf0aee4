package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore for local development and tests.
// Signed URLs it issues are not fetchable over the network.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	baseURL string
	now     func() time.Time
}

type memObject struct {
	data         []byte
	contentType  string
	cacheControl string
}

// NewMemoryStore creates an empty store whose public URLs are rooted at baseURL
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

func (m *MemoryStore) put(path string, data []byte, opts WriteOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memObject{data: data, contentType: opts.ContentType, cacheControl: opts.CacheControl}
}

// Get returns a copy of an object's bytes
func (m *MemoryStore) Get(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Paths lists stored object paths
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	return paths
}

func (m *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := m.Get(path)
	return ok, nil
}

func (m *MemoryStore) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, &Error{Op: "stat", Path: path, StatusCode: 404, Message: "object not found"}
	}
	return &ObjectInfo{
		Path:         path,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		CacheControl: obj.cacheControl,
	}, nil
}

func (m *MemoryStore) Save(ctx context.Context, path string, data []byte, opts WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "save", Path: path, Err: err}
	}
	m.put(path, append([]byte(nil), data...), opts)
	return nil
}

// NewWriter buffers the stream and commits it on Close
func (m *MemoryStore) NewWriter(ctx context.Context, path string, opts WriteOptions) (Writer, error) {
	return &memWriter{ctx: ctx, store: m, path: path, opts: opts}, nil
}

func (m *MemoryStore) SignedURL(ctx context.Context, path string, action Action, expiry time.Duration) (string, error) {
	if action != ActionRead && action != ActionWrite {
		return "", fmt.Errorf("unsupported signed URL action %q", action)
	}
	expires := m.now().Add(expiry).Unix()
	return fmt.Sprintf("%s/sign/%s?action=%s&expires=%d", m.baseURL, escapePath(path), action, expires), nil
}

func (m *MemoryStore) PublicURL(path string) string {
	return m.baseURL + "/public/" + escapePath(path)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

type memWriter struct {
	ctx    context.Context
	store  *MemoryStore
	path   string
	opts   WriteOptions
	buf    bytes.Buffer
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, &Error{Op: "write", Path: w.path, Message: "write after close"}
	}
	if err := w.ctx.Err(); err != nil {
		return 0, &Error{Op: "write", Path: w.path, Err: err}
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.store.put(w.path, w.buf.Bytes(), w.opts)
	return nil
}

func (w *memWriter) Abort(cause error) error {
	w.closed = true
	return cause
}
