// Package notify delivers outbound signals when a digest changes state: a
// webhook POST with the completion notice and best-effort events on Kafka.
package notify

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

// Notifier delivers the one-shot completion notice for a finalized digest.
type Notifier interface {
	Notify(ctx context.Context, notice domain.CompletionNotice) error
}

// Compile-time interface verification.
var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*NopNotifier)(nil)
)

// WebhookNotifier posts completion notices to a configured webhook URL,
// retrying transient failures with exponential backoff. Failure to deliver is
// reported to the caller but carries no further consequence; the stored final
// result is already durable by the time Notify runs.
type WebhookNotifier struct {
	client  *http.Client
	cfg     config.NotifyConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewWebhookNotifier creates a notifier from configuration.
func NewWebhookNotifier(cfg config.NotifyConfig, metrics *observability.Metrics, logger zerolog.Logger) *WebhookNotifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebhookNotifier{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "notify").Logger(),
	}
}

// Notify posts the completion notice. Network errors and 5xx responses are
// retried up to the configured attempt count; other HTTP errors fail fast.
func (n *WebhookNotifier) Notify(ctx context.Context, notice domain.CompletionNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal completion notice: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(n.cfg.MaxRetries)), ctx)

	op := func() error {
		return n.post(ctx, body)
	}

	if err := backoff.Retry(op, policy); err != nil {
		n.metrics.RecordNotificationFailed("webhook")
		n.logger.Error().
			Err(err).
			Str("document_id", notice.DocumentID).
			Msg("completion webhook delivery failed")
		return fmt.Errorf("deliver completion notice for %s: %w", notice.DocumentID, err)
	}

	n.metrics.RecordNotificationSent("webhook")
	n.logger.Info().
		Str("document_id", notice.DocumentID).
		Msg("completion webhook delivered")
	return nil
}

// post performs one delivery attempt.
func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// NopNotifier discards notices. Used when no webhook URL is configured.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, domain.CompletionNotice) error { return nil }
