package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

func newTestNotifier(t *testing.T, url string, maxRetries int) *WebhookNotifier {
	t.Helper()
	metrics := observability.NewMetrics("docdigest", prometheus.NewRegistry())
	return NewWebhookNotifier(config.NotifyConfig{
		WebhookURL: url,
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
	}, metrics, zerolog.Nop())
}

func testNotice() domain.CompletionNotice {
	return domain.CompletionNotice{
		DocumentID:     "doc-1",
		Title:          "Quarterly Report",
		Summary:        "short excerpt",
		FinalResultRef: "final#doc-1",
		ItemCounts:     domain.ItemCounts{Total: 3, Completed: 3, SubItems: 2},
		CompletedAt:    time.Now().UTC(),
	}
}

func TestNotifyDeliversNotice(t *testing.T) {
	var received domain.CompletionNotice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestNotifier(t, srv.URL, 0).Notify(context.Background(), testNotice())
	require.NoError(t, err)
	assert.Equal(t, "doc-1", received.DocumentID)
	assert.Equal(t, "final#doc-1", received.FinalResultRef)
	assert.Equal(t, 3, received.ItemCounts.Total)
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestNotifier(t, srv.URL, 3).Notify(context.Background(), testNotice())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifyFailsAfterRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestNotifier(t, srv.URL, 2).Notify(context.Background(), testNotice())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestNotifier(t, srv.URL, 3).Notify(context.Background(), testNotice())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNopNotifier(t *testing.T) {
	assert.NoError(t, NopNotifier{}.Notify(context.Background(), testNotice()))
}

func TestBuildMessage(t *testing.T) {
	event, err := domain.NewDigestEvent(domain.EventTypeDigestCompleted, "doc-1", map[string]string{"status": "completed"})
	require.NoError(t, err)

	msg, err := buildMessage(event)
	require.NoError(t, err)

	assert.Equal(t, []byte("doc-1"), msg.Key)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte(domain.EventTypeDigestCompleted), msg.Headers[0].Value)

	var envelope eventEnvelope
	require.NoError(t, json.Unmarshal(msg.Value, &envelope))
	assert.Equal(t, event.EventID, envelope.EventID)
	assert.Equal(t, domain.AggregateTypeDigest, envelope.AggregateType)
	assert.JSONEq(t, `{"status":"completed"}`, string(envelope.Payload))
}

func TestNopPublisher(t *testing.T) {
	p := NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), &domain.DigestEvent{}))
	assert.NoError(t, p.Close())
}
