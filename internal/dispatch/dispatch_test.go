package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/docdigest-service/internal/config"
	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/observability"
)

func newTestDispatcher(t *testing.T, baseURL string, maxRetries int) *HTTPDispatcher {
	t.Helper()
	cfg := config.DispatchConfig{
		BaseURL:    baseURL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		RateLimit:  1000,
		RateBurst:  1000,
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
	}
	metrics := observability.NewMetrics("docdigest", prometheus.NewRegistry())
	return NewHTTPDispatcher(cfg, metrics, zerolog.Nop())
}

func testTask() TaskRequest {
	return TaskRequest{
		TaskID:      "task-1",
		DocumentID:  "doc-1",
		ItemID:      "item-1",
		Kind:        domain.ItemKindMain,
		ChunkIndex:  0,
		TotalChunks: 3,
		Prompt:      "Summarize this chunk.",
		CallbackURL: "http://localhost:8080/api/v1/callbacks",
	}
}

func TestDispatchAsyncAccepted(t *testing.T) {
	var received TaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/summarize", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 0)
	res, err := d.Dispatch(context.Background(), testTask())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Summary)
	assert.Equal(t, "task-1", received.TaskID)
	assert.Equal(t, domain.ItemKindMain, received.Kind)
}

func TestDispatchImmediateResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"summary": "a short summary"})
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 0)
	res, err := d.Dispatch(context.Background(), testTask())
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "a short summary", res.Summary)
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 3)
	res, err := d.Dispatch(context.Background(), testTask())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatchFailsAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 2)
	_, err := d.Dispatch(context.Background(), testTask())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDispatchFailed)

	var dispErr *domain.DispatchError
	require.ErrorAs(t, err, &dispErr)
	assert.Equal(t, "doc-1", dispErr.DocumentID)
	assert.Equal(t, 3, dispErr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 3)
	_, err := d.Dispatch(context.Background(), testTask())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDispatchFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatchHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(t, srv.URL, 5)
	_, err := d.Dispatch(ctx, testTask())
	require.Error(t, err)
}

func TestBuildPromptMainKind(t *testing.T) {
	prompt, err := BuildPrompt(domain.ItemKindMain, "Annual Report", 1, 3, "chunk text here")
	require.NoError(t, err)

	assert.Contains(t, prompt, `"Annual Report"`)
	assert.Contains(t, prompt, "part 2 of 3")
	assert.Contains(t, prompt, "chunk text here")
}

func TestBuildPromptSubKind(t *testing.T) {
	prompt, err := BuildPrompt(domain.ItemKindSub, "Appendix B", 0, 1, "related text")
	require.NoError(t, err)

	assert.Contains(t, prompt, `"Appendix B"`)
	assert.Contains(t, prompt, "related")
	assert.Contains(t, prompt, "part 1 of 1")
}

func TestBuildPromptUnknownKind(t *testing.T) {
	_, err := BuildPrompt(domain.ItemKind("other"), "t", 0, 1, "x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown item kind"))
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}
