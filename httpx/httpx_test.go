package httpx_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func Test_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c := httpx.New().WithHTTPClient(server.Client()).WithSleeper(noSleep)
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.GetJSON(context.Background(), server.URL, nil, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func Test_Do_Retries5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := httpx.New().WithHTTPClient(server.Client()).WithSleeper(noSleep)
	resp, err := c.Do(context.Background(), httpx.Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func Test_Do_RateLimitHonoured(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	var slept []time.Duration
	c := httpx.New().WithHTTPClient(server.Client()).
		WithSleeper(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		})

	_, err := c.Do(context.Background(), httpx.Request{Method: http.MethodGet, URL: server.URL})
	require.NoError(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 2*time.Second, slept[0])
}

func Test_Do_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := httpx.New().WithHTTPClient(server.Client()).WithSleeper(noSleep)
	_, err := c.Do(context.Background(), httpx.Request{Method: http.MethodGet, URL: server.URL})
	require.Error(t, err)
	assert.Equal(t, envelope.KindRateLimit, envelope.Classify(err).Kind)
	// initial attempt plus the fixed retry budget
	assert.Equal(t, int32(4), calls.Load())
}

func Test_Do_PostNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := httpx.New().WithHTTPClient(server.Client()).WithSleeper(noSleep)
	_, err := c.Do(context.Background(), httpx.Request{Method: http.MethodPost, URL: server.URL})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func Test_Do_PostRetriedWithIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := httpx.New().WithHTTPClient(server.Client()).WithSleeper(noSleep)
	resp, err := c.Do(context.Background(), httpx.Request{
		Method:         http.MethodPost,
		URL:            server.URL,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func Test_Do_StatusClassification(t *testing.T) {
	tcases := []struct {
		status int
		kind   envelope.Kind
	}{
		{http.StatusUnauthorized, envelope.KindAuthentication},
		{http.StatusNotFound, envelope.KindNotFound},
		{http.StatusConflict, envelope.KindConflict},
		{http.StatusBadRequest, envelope.KindRemote},
	}
	for _, tc := range tcases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`nope`))
		}))
		c := httpx.New().WithHTTPClient(server.Client()).WithSleeper(noSleep)
		_, err := c.Do(context.Background(), httpx.Request{Method: http.MethodGet, URL: server.URL})
		require.Error(t, err)
		e := envelope.Classify(err)
		assert.Equal(t, tc.kind, e.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, e.Fields["status"])
		server.Close()
	}
}

func Test_Do_Deadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := httpx.New().WithHTTPClient(server.Client()).WithDeadline(20 * time.Millisecond)
	_, err := c.Do(context.Background(), httpx.Request{Method: http.MethodGet, URL: server.URL})
	require.Error(t, err)
	assert.Equal(t, envelope.KindTimeout, envelope.Classify(err).Kind)
}

func Test_Do_ErrorRedacted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad token SECRET123`))
	}))
	defer server.Close()

	red := creds.NewRedactor()
	red.Add("SECRET123")
	c := httpx.New().WithHTTPClient(server.Client()).WithSleeper(noSleep).WithRedactor(red)

	_, err := c.Do(context.Background(), httpx.Request{Method: http.MethodGet, URL: server.URL + "?token=SECRET123"})
	require.Error(t, err)
	e := envelope.Classify(err)
	assert.NotContains(t, e.Error(), "SECRET123")
	assert.NotContains(t, e.Fields["upstream_body"], "SECRET123")
}
