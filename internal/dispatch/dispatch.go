package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/helixir/docdigest-service/internal/config"
	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/observability"
)

// maxErrorBodyBytes caps how much of an error response body is read for
// diagnostics.
const maxErrorBodyBytes = 4 * 1024

// TaskRequest describes one chunk summarization task sent downstream.
type TaskRequest struct {
	TaskID      string          `json:"task_id"`
	DocumentID  string          `json:"document_id"`
	ItemID      string          `json:"item_id"`
	Kind        domain.ItemKind `json:"kind"`
	ChunkIndex  int             `json:"chunk_index"`
	TotalChunks int             `json:"total_chunks"`
	Prompt      string          `json:"prompt"`
	CallbackURL string          `json:"callback_url"`
}

// Result reports how the downstream service accepted a task.
type Result struct {
	// Accepted means the task was queued and a callback will follow.
	Accepted bool

	// Summary holds the summarization result when the downstream service
	// answered synchronously. Empty when Accepted is true.
	Summary string
}

// Dispatcher sends summarization tasks downstream.
type Dispatcher interface {
	// Dispatch sends one chunk task. It blocks through rate limiting and
	// retries; a *domain.DispatchError is returned when all attempts fail.
	Dispatch(ctx context.Context, task TaskRequest) (Result, error)
}

// Compile-time interface verification.
var _ Dispatcher = (*HTTPDispatcher)(nil)

// dispatchResponse is the downstream service's response body.
type dispatchResponse struct {
	Summary string `json:"summary,omitempty"`
}

// HTTPDispatcher sends tasks to the summarization service over HTTP.
// Requests are rate limited and retried with exponential backoff on network
// errors, 429, and 5xx responses. It is safe for concurrent use.
type HTTPDispatcher struct {
	client  *http.Client
	cfg     config.DispatchConfig
	limiter *RateLimiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewHTTPDispatcher creates a dispatcher from configuration.
func NewHTTPDispatcher(cfg config.DispatchConfig, metrics *observability.Metrics, logger zerolog.Logger) *HTTPDispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 10
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	return &HTTPDispatcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		metrics: metrics,
		logger:  logger.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch sends one chunk task to the summarization service.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, task TaskRequest) (Result, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return Result{}, fmt.Errorf("marshal task %s: %w", task.TaskID, err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.MaxRetries)),
		ctx,
	)

	attempts := 0
	var result Result
	op := func() error {
		attempts++
		res, err := d.send(ctx, body)
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("task_id", task.TaskID).
				Int("attempt", attempts).
				Msg("dispatch attempt failed")
			return err
		}
		result = res
		return nil
	}

	start := time.Now()
	if err := backoff.Retry(op, policy); err != nil {
		d.metrics.RecordDispatchFailed(string(task.Kind))
		return Result{}, &domain.DispatchError{
			DocumentID: task.DocumentID,
			ItemID:     task.ItemID,
			ChunkIndex: task.ChunkIndex,
			Attempts:   attempts,
			Cause:      err,
		}
	}

	d.metrics.RecordTaskDispatched(time.Since(start).Seconds())
	return result, nil
}

// send performs one request attempt.
func (d *HTTPDispatcher) send(ctx context.Context, body []byte) (Result, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("rate limiter wait: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+"/v1/summarize", bytes.NewReader(body))
	if err != nil {
		return Result{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return Result{Accepted: true}, nil

	case resp.StatusCode == http.StatusOK:
		var dr dispatchResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&dr); err != nil {
			return Result{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return Result{Summary: dr.Summary}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("server returned status %d", resp.StatusCode)

	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Result{}, backoff.Permanent(fmt.Errorf("server returned status %d: %s", resp.StatusCode, snippet))
	}
}

// newBackOff builds the exponential retry policy seeded from config.
func (d *HTTPDispatcher) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryDelay
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded by retry count and context
	return bo
}
