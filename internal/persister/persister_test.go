package persister

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/avatarforge/api/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sourceServer(t *testing.T, payload []byte, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "gone", status)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	payload := make([]byte, n)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	return payload
}

// slowStore hands out writers that take a while to accept each chunk
type slowStore struct {
	storage.ObjectStore
	delay    time.Duration
	writeErr error
	afterN   int

	mu       sync.Mutex
	maxChunk int
	aborted  error
	objects  map[string][]byte
}

func newSlowStore(delay time.Duration) *slowStore {
	return &slowStore{delay: delay, objects: map[string][]byte{}}
}

func (s *slowStore) NewWriter(ctx context.Context, path string, opts storage.WriteOptions) (storage.Writer, error) {
	return &slowWriter{store: s, path: path}, nil
}

func (s *slowStore) PublicURL(path string) string {
	return "https://cdn.test/" + path
}

type slowWriter struct {
	store  *slowStore
	path   string
	buf    bytes.Buffer
	writes int
}

func (w *slowWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.store.writeErr != nil && w.writes > w.store.afterN {
		return 0, w.store.writeErr
	}
	time.Sleep(w.store.delay)
	w.store.mu.Lock()
	if len(p) > w.store.maxChunk {
		w.store.maxChunk = len(p)
	}
	w.store.mu.Unlock()
	return w.buf.Write(p)
}

func (w *slowWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.objects[w.path] = w.buf.Bytes()
	return nil
}

func (w *slowWriter) Abort(cause error) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.aborted = cause
	return cause
}

func TestPersistURLStreamsThroughSlowSink(t *testing.T) {
	payload := randomPayload(t, 1<<20+123)
	src := sourceServer(t, payload, http.StatusOK)
	store := newSlowStore(50 * time.Microsecond)
	p := New(store, Config{BufferSize: 4096}, zaptest.NewLogger(t))

	ref, err := p.PersistURL(context.Background(), src.URL+"/out.png", "coaches/c1/avatars/comic-book.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "coaches/c1/avatars/comic-book.png", ref.Path)
	assert.Equal(t, "https://cdn.test/coaches/c1/avatars/comic-book.png", ref.URL)

	stored := store.objects["coaches/c1/avatars/comic-book.png"]
	assert.Equal(t, len(payload), len(stored))
	assert.True(t, bytes.Equal(payload, stored))
	assert.LessOrEqual(t, store.maxChunk, 4096)
	assert.Nil(t, store.aborted)
}

func TestPersistURLIntoSupabaseStream(t *testing.T) {
	payload := randomPayload(t, 512<<10)
	src := sourceServer(t, payload, http.StatusOK)

	var received bytes.Buffer
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain slowly in small reads.
		chunk := make([]byte, 1024)
		for {
			n, err := r.Body.Read(chunk)
			received.Write(chunk[:n])
			if err == io.EOF {
				break
			}
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(10 * time.Microsecond)
		}
		w.Write([]byte(`{"Key":"avatars/x"}`))
	}))
	t.Cleanup(dest.Close)

	store, err := storage.NewSupabaseStore(storage.SupabaseConfig{ProjectURL: dest.URL, ServiceKey: "k", Bucket: "avatars"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	p := New(store, Config{BufferSize: 8192, CacheControl: "max-age=300"}, zaptest.NewLogger(t))

	ref, err := p.PersistURL(context.Background(), src.URL, "coaches/c1/avatars/digital-art.png", "")
	require.NoError(t, err)
	assert.Equal(t, dest.URL+"/storage/v1/object/public/avatars/coaches/c1/avatars/digital-art.png", ref.URL)
	assert.Equal(t, len(payload), received.Len())
	assert.True(t, bytes.Equal(payload, received.Bytes()))
}

func TestPersistURLNon2xxSource(t *testing.T) {
	src := sourceServer(t, nil, http.StatusNotFound)
	store := newSlowStore(0)
	p := New(store, Config{}, zaptest.NewLogger(t))

	_, err := p.PersistURL(context.Background(), src.URL, "coaches/c1/avatars/a.png", "image/png")
	var perr *PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusNotFound, perr.StatusCode)
	assert.Contains(t, err.Error(), "404")
	assert.Empty(t, store.objects)
}

func TestPersistURLWriteErrorAborts(t *testing.T) {
	payload := randomPayload(t, 64<<10)
	src := sourceServer(t, payload, http.StatusOK)
	store := newSlowStore(0)
	store.writeErr = errors.New("connection reset by peer")
	store.afterN = 2
	p := New(store, Config{BufferSize: 4096}, zaptest.NewLogger(t))

	_, err := p.PersistURL(context.Background(), src.URL, "coaches/c1/avatars/a.png", "image/png")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.writeErr)
	require.NotNil(t, store.aborted)
	assert.ErrorIs(t, store.aborted, store.writeErr)
	_, committed := store.objects["coaches/c1/avatars/a.png"]
	assert.False(t, committed)
}

func TestPersistBytes(t *testing.T) {
	store := storage.NewMemoryStore("https://mem.test")
	p := New(store, Config{CacheControl: "max-age=300"}, zaptest.NewLogger(t))
	selfie := []byte("\xff\xd8\xff\xe0fake-jpeg")

	ref, err := p.PersistBytes(context.Background(), selfie, SelfiePath("c1", "image/jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "coaches/c1/selfie.jpg", ref.Path)

	got, ok := store.Get("coaches/c1/selfie.jpg")
	require.True(t, ok)
	assert.Equal(t, selfie, got)

	info, err := store.Stat(context.Background(), "coaches/c1/selfie.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", info.ContentType)
	assert.Equal(t, "max-age=300", info.CacheControl)
}

func TestPersistBytesStorageError(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"new row violates row-level security policy"}`))
	}))
	t.Cleanup(dest.Close)
	store, err := storage.NewSupabaseStore(storage.SupabaseConfig{ProjectURL: dest.URL, ServiceKey: "k", Bucket: "avatars"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	p := New(store, Config{}, zaptest.NewLogger(t))

	_, err = p.PersistBytes(context.Background(), []byte("x"), "coaches/c1/selfie.png", "image/png")
	var storageErr *storage.Error
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, http.StatusForbidden, storageErr.StatusCode)
}
