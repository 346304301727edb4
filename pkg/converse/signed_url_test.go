package converse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedURLServer(t *testing.T, hits *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSignedURLProvider_FetchAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent-42", r.URL.Query().Get("agent_id"))
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.Equal(t, "my-app", r.Header.Get("X-Client"))
		fmt.Fprintf(w, `{"signed_url":"wss://edge.example.com/stream?sig=abc","expires_at":%d}`,
			time.Now().Add(time.Hour).UnixMilli())
	})

	p := NewHTTPSignedURLProvider(srv.URL, "secret-key", map[string]string{"X-Client": "my-app"}, time.Minute)

	first, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.NoError(t, err)
	assert.Equal(t, "wss://edge.example.com/stream?sig=abc", first)
	assert.Equal(t, int32(1), hits.Load())

	// Fresh cache: no second request.
	second, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())

	p.Clear()
	_, err = p.FetchConnectionURL(context.Background(), "agent-42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPSignedURLProvider_RefreshBufferForcesRefetch(t *testing.T) {
	var hits atomic.Int32
	srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"signed_url":"wss://edge.example.com/stream","expires_at":%d}`,
			time.Now().Add(10*time.Second).UnixMilli())
	})

	// The URL expires in 10s but the buffer demands 11s of headroom, so the
	// cache is never considered fresh.
	p := NewHTTPSignedURLProvider(srv.URL, "secret-key", nil, 11*time.Second)

	_, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.NoError(t, err)
	_, err = p.FetchConnectionURL(context.Background(), "agent-42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPSignedURLProvider_NoExpiryNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"signed_url":"wss://edge.example.com/stream"}`)
	})

	p := NewHTTPSignedURLProvider(srv.URL, "secret-key", nil, 0)

	_, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.NoError(t, err)
	_, err = p.FetchConnectionURL(context.Background(), "agent-42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPSignedURLProvider_StatusClassification(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		var hits atomic.Int32
		srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		p := NewHTTPSignedURLProvider(srv.URL, "bad-key", nil, 0)

		_, err := p.FetchConnectionURL(context.Background(), "agent-42")
		require.Error(t, err)

		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		status, ok := authErr.GetDetail("status")
		require.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.True(t, IsCriticalError(err))
	})

	t.Run("rate limited", func(t *testing.T) {
		var hits atomic.Int32
		srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		})
		p := NewHTTPSignedURLProvider(srv.URL, "key", nil, 0)

		_, err := p.FetchConnectionURL(context.Background(), "agent-42")
		require.Error(t, err)

		var rateErr *RateLimitError
		require.ErrorAs(t, err, &rateErr)
		assert.Equal(t, 2*time.Second, rateErr.RetryAfter)
		assert.True(t, IsRetryableError(err))
	})

	t.Run("server error is recoverable", func(t *testing.T) {
		var hits atomic.Int32
		srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		p := NewHTTPSignedURLProvider(srv.URL, "key", nil, 0)

		_, err := p.FetchConnectionURL(context.Background(), "agent-42")
		require.Error(t, err)

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.True(t, connErr.Recoverable)
	})

	t.Run("client error is not recoverable", func(t *testing.T) {
		var hits atomic.Int32
		srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		p := NewHTTPSignedURLProvider(srv.URL, "key", nil, 0)

		_, err := p.FetchConnectionURL(context.Background(), "agent-42")
		require.Error(t, err)

		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.False(t, connErr.Recoverable)
	})
}

func TestHTTPSignedURLProvider_MalformedBody(t *testing.T) {
	var hits atomic.Int32
	srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json at all`)
	})
	p := NewHTTPSignedURLProvider(srv.URL, "key", nil, 0)

	_, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed signed URL response")

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.Recoverable)
}

func TestHTTPSignedURLProvider_MissingSignedURL(t *testing.T) {
	var hits atomic.Int32
	srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expires_at":9999999999999}`)
	})
	p := NewHTTPSignedURLProvider(srv.URL, "key", nil, 0)

	_, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing signed_url")
}

func TestHTTPSignedURLProvider_ContextCancelled(t *testing.T) {
	var hits atomic.Int32
	srv := signedURLServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"signed_url":"wss://edge.example.com/stream"}`)
	})
	p := NewHTTPSignedURLProvider(srv.URL, "key", nil, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.FetchConnectionURL(ctx, "agent-42")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || IsErrorCode(err, ErrCodeSignedURL))
}

func TestHTTPSignedURLProvider_InvalidEndpoint(t *testing.T) {
	p := NewHTTPSignedURLProvider("://bad", "key", nil, 0)

	_, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeConfigInvalid))
}

func TestDevSignedURLProvider(t *testing.T) {
	t.Setenv("CONVERSE_DEV_API_KEY", "cnv_dev_0123456789abcdef0123456789abcdef")

	p := NewDevSignedURLProvider("ws://localhost:8080/stream")
	got, err := p.FetchConnectionURL(context.Background(), "agent 42")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "ws://localhost:8080/stream?token="), got)
	assert.Contains(t, got, "&agent_id=agent+42")
}

func TestDevSignedURLProvider_MissingKey(t *testing.T) {
	t.Setenv("CONVERSE_DEV_API_KEY", "")

	p := NewDevSignedURLProvider("ws://localhost:8080/stream")
	_, err := p.FetchConnectionURL(context.Background(), "agent-42")
	require.Error(t, err)

	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}