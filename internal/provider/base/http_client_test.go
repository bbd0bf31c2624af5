package base

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"paygate/internal/provider"
)

func TestHTTPClient_RetriesIdempotentOn5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "PayGate/test", r.Header.Get("User-Agent"))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient("test", time.Second)
	c.SetBaseURL(srv.URL)
	resp, err := c.Get(context.Background(), "/x", nil)
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
	require.JSONEq(t, `{"status":"ok"}`, string(resp.RawJSON()))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPClient_PostIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient("test", time.Second)
	c.SetBaseURL(srv.URL)
	resp, err := c.PostJSON(context.Background(), "/create", map[string]int{"a": 1}, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var perr *provider.ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, provider.ErrProviderDown, perr.Code)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient("test", 20*time.Millisecond)
	c.SetBaseURL(srv.URL)
	c.SetRetries(0)
	_, err := c.Get(context.Background(), "/slow", nil)

	var perr *provider.ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, provider.ErrProviderTimeout, perr.Code)
	require.True(t, perr.Retryable)
}
