package cache

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{CacheDir: dir, MaxEachSizeOnMemory: 16})
	require.NoError(t, err)
	return c
}

func cacheableResponse() *http.Response {
	rec := httptest.NewRecorder()
	rec.Header().Set("Cache-Control", "max-age=60")
	rec.WriteHeader(http.StatusOK)
	return rec.Result()
}

func TestCacheHitReturnsStoredBytesAndMatchesHash(t *testing.T) {
	c := newTestCache(t)
	req := httptest.NewRequest(http.MethodGet, "http://a.example/x", nil)
	resp := cacheableResponse()
	policy := NewPolicy(req, resp)
	require.True(t, policy.Storable)

	body := []byte("hello world")
	require.NoError(t, c.Put("http://a.example/x", 200, resp.Header, body, policy))

	status, _, got, ok := c.Get(req, "http://a.example/x")
	require.True(t, ok)
	require.Equal(t, 200, status)
	require.Equal(t, body, got)
}

func TestNoStoreLeavesCacheEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://a.example/x", nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("Cache-Control", "no-store")
	rec.WriteHeader(http.StatusOK)
	resp := rec.Result()

	policy := NewPolicy(req, resp)
	require.False(t, policy.Storable)

	c := newTestCache(t)
	total, _, _ := c.Counts()
	require.Equal(t, 0, total)
}

func TestLargeBodyStoredAsFileNamedHashOfURI(t *testing.T) {
	c := newTestCache(t)
	req := httptest.NewRequest(http.MethodGet, "http://a.example/big", nil)
	resp := cacheableResponse()
	policy := NewPolicy(req, resp)

	body := make([]byte, 64)
	for i := range body {
		body[i] = byte(i)
	}
	require.NoError(t, c.Put("http://a.example/big", 200, resp.Header, body, policy))

	wantName := filenameForURI("http://a.example/big")
	_, err := os.Stat(filepath.Join(c.cfg.CacheDir, wantName))
	require.NoError(t, err)

	totalCount, _, fileCount := c.Counts()
	require.Equal(t, 1, totalCount)
	require.Equal(t, 1, fileCount)
}

func TestCorruptedFileCacheMissesAndEvicts(t *testing.T) {
	c := newTestCache(t)
	req := httptest.NewRequest(http.MethodGet, "http://a.example/big", nil)
	resp := cacheableResponse()
	policy := NewPolicy(req, resp)

	body := make([]byte, 64)
	require.NoError(t, c.Put("http://a.example/big", 200, resp.Header, body, policy))

	wantName := filenameForURI("http://a.example/big")
	path := filepath.Join(c.cfg.CacheDir, wantName)
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	_, _, _, ok := c.Get(req, "http://a.example/big")
	require.False(t, ok)

	total, _, _ := c.Counts()
	require.Equal(t, 0, total)
}

func TestTooLargeToCacheReturnsError(t *testing.T) {
	c := newTestCache(t)
	c.cfg.MaxEachSize = 4
	req := httptest.NewRequest(http.MethodGet, "http://a.example/x", nil)
	resp := cacheableResponse()
	policy := NewPolicy(req, resp)

	err := c.Put("http://a.example/x", 200, resp.Header, []byte("too big body"), policy)
	require.ErrorIs(t, err, ErrTooLargeToCache)
}
