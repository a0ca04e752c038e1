package fetch

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlpipe/internal/model"
	"crawlpipe/pkg/circuitbreaker"
)

func newTestFetcher(t *testing.T) *Fetcher {
	f, err := New(Config{
		DefaultTimeout: 2 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 10 * time.Millisecond,
		CircuitBreaker: circuitbreaker.Config{MaxFailures: 10, Timeout: time.Second},
	})
	require.NoError(t, err)
	return f
}

func TestFetcher_DoSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	req := model.NewRequest(srv.URL, "parse")

	resp, lastErr := f.Do(t.Context(), req)
	require.Empty(t, lastErr)
	require.NotNil(t, resp)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, 200, resp.Status)
}

func TestFetcher_DoesNotRetry4xx(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	req := model.NewRequest(srv.URL, "parse")

	resp, lastErr := f.Do(t.Context(), req)
	assert.Nil(t, resp)
	assert.Equal(t, "HTTP 404", lastErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "4xx must not be retried")
}

func TestFetcher_Retries5xxThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	req := model.NewRequest(srv.URL, "parse")

	resp, lastErr := f.Do(t.Context(), req)
	require.Empty(t, lastErr)
	require.NotNil(t, resp)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetcher_ExhaustsRetriesOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := New(Config{
		DefaultTimeout: 2 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: 5 * time.Millisecond,
		CircuitBreaker: circuitbreaker.Config{MaxFailures: 10, Timeout: time.Second},
	})
	require.NoError(t, err)

	req := model.NewRequest(srv.URL, "parse")
	resp, lastErr := f.Do(t.Context(), req)
	assert.Nil(t, resp)
	assert.NotEmpty(t, lastErr)
}

func TestFetcher_MergesCustomHeadersOverDefaults(t *testing.T) {
	var seenUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUA = r.Header.Get("User-Agent")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	req := model.NewRequest(srv.URL, "parse")
	req.Headers = map[string]string{"User-Agent": "crawlpipe-test"}

	_, lastErr := f.Do(t.Context(), req)
	require.Empty(t, lastErr)
	assert.Equal(t, "crawlpipe-test", seenUA)
}

func TestFetcher_SetProxy_StillServesAfterwards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	require.NoError(t, f.SetProxy(""))

	req := model.NewRequest(srv.URL, "parse")
	resp, lastErr := f.Do(t.Context(), req)
	require.Empty(t, lastErr)
	require.NotNil(t, resp)
}

func TestFetcher_SetProxy_RejectsUnsupportedScheme(t *testing.T) {
	f := newTestFetcher(t)
	err := f.SetProxy("ftp://example.com")
	assert.Error(t, err)
}
