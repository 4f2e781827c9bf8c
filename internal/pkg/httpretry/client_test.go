package httpretry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCountingServer(t *testing.T, failures int, failStatus int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if int(n) <= failures {
			w.WriteHeader(failStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testClient(maxRetries int) *RetryClient {
	return NewRetryClientWithDelays(nil, maxRetries, 5*time.Millisecond, 20*time.Millisecond)
}

func TestDoRetriesTransientStatus(t *testing.T) {
	srv, calls := newCountingServer(t, 2, http.StatusServiceUnavailable)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := testClient(3).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestDoDoesNotRetryClientError(t *testing.T) {
	srv, calls := newCountingServer(t, 5, http.StatusNotFound)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := testClient(3).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDoReturnsLastResponseWhenExhausted(t *testing.T) {
	srv, calls := newCountingServer(t, 10, http.StatusBadGateway)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := testClient(2).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	// initial attempt + 2 retries
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	srv, _ := newCountingServer(t, 10, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	cancel()
	_, err = NewRetryClient(nil, 3).Do(req)
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{"0", 0},
		{"-3", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseRetryAfter(tt.value))
		})
	}
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, isRetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 204, 301, 400, 401, 403, 404, 409} {
		assert.False(t, isRetryableStatus(code), "status %d", code)
	}
}
