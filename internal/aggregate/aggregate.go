// Package aggregate assembles the per-item summaries of a digest into one
// final result and triggers the outbound completion signals.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/notify"
	"github.com/helixir/docdigest-service/internal/observability"
	"github.com/helixir/docdigest-service/internal/store"
	"github.com/helixir/docdigest-service/internal/tracker"
)

// noticeExcerptLen caps the summary excerpt carried in the completion notice.
const noticeExcerptLen = 280

// FinalResultKey returns the store key of a digest's aggregated result.
func FinalResultKey(documentID string) string {
	return "final#" + documentID
}

// FinalizeResult reports the outcome of a Finalize call.
type FinalizeResult struct {
	// FinalResultRef is the store key holding the aggregated result.
	FinalResultRef string

	// AlreadyFinalized is true when a previous call had already finalized the
	// digest. No notification is sent in that case.
	AlreadyFinalized bool

	// Notified is true when the completion webhook was delivered.
	Notified bool

	// NotifyErr holds the webhook delivery error, if any. The stored result
	// is durable regardless.
	NotifyErr error
}

// Aggregator builds final digest results. Finalization is idempotent: the
// tracker's one-way finalized flag decides which caller sends the single
// completion notification.
type Aggregator struct {
	store     store.Store
	tracker   *tracker.Tracker
	notifier  notify.Notifier
	publisher notify.Publisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an Aggregator.
func New(st store.Store, tr *tracker.Tracker, notifier notify.Notifier, publisher notify.Publisher, metrics *observability.Metrics, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:     st,
		tracker:   tr,
		notifier:  notifier,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With().Str("component", "aggregate").Logger(),
		now:       time.Now,
	}
}

// Finalize composes the final result for a fully completed digest, persists
// it, and sends the completion notification exactly once. A missing per-item
// result becomes a visible placeholder, never a failure. Repeat calls
// re-persist the result but send no further notifications.
func (a *Aggregator) Finalize(ctx context.Context, manifest domain.ItemManifest) (FinalizeResult, error) {
	completedAt := a.now().UTC()
	text, mainText := a.compose(ctx, manifest, completedAt)

	key := FinalResultKey(manifest.DocumentID)
	tags := map[string]string{"kind": "final", "document_id": manifest.DocumentID}
	if _, err := a.store.Put(ctx, key, []byte(text), tags); err != nil {
		return FinalizeResult{}, fmt.Errorf("persist final result for %s: %w", manifest.DocumentID, err)
	}

	winner, err := a.tracker.MarkFinalized(ctx, manifest.DocumentID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("mark finalized for %s: %w", manifest.DocumentID, err)
	}
	if !winner {
		a.logger.Debug().
			Str("document_id", manifest.DocumentID).
			Msg("digest already finalized, skipping notification")
		return FinalizeResult{FinalResultRef: key, AlreadyFinalized: true}, nil
	}

	result := FinalizeResult{FinalResultRef: key}
	notice := domain.CompletionNotice{
		DocumentID:     manifest.DocumentID,
		Title:          manifest.Title,
		Summary:        excerpt(mainText),
		FinalResultRef: key,
		ItemCounts: domain.ItemCounts{
			Total:     manifest.TotalCount,
			Completed: manifest.CompletedCount,
			SubItems:  len(manifest.SubItems),
		},
		CompletedAt: completedAt,
	}
	if err := a.notifier.Notify(ctx, notice); err != nil {
		result.NotifyErr = err
	} else {
		result.Notified = true
	}

	a.publishCompleted(ctx, manifest, key, completedAt)

	a.logger.Info().
		Str("document_id", manifest.DocumentID).
		Int("items", manifest.TotalCount).
		Bool("notified", result.Notified).
		Msg("digest finalized")
	return result, nil
}

// compose builds the final text: main item first, labeled sections for each
// related item, then a processing-summary footer. It also returns the main
// item's text for the notice excerpt.
func (a *Aggregator) compose(ctx context.Context, manifest domain.ItemManifest, completedAt time.Time) (string, string) {
	var b strings.Builder

	title := manifest.Title
	if title == "" {
		title = manifest.DocumentID
	}
	fmt.Fprintf(&b, "# Digest: %s\n\n", title)

	mainText := a.loadResult(ctx, manifest.MainItem)
	b.WriteString(mainText)

	for _, sub := range manifest.SubItems {
		label := sub.Title
		if label == "" {
			label = sub.ItemID
		}
		kind := sub.SourceKind
		if kind == "" {
			kind = "related"
		}
		fmt.Fprintf(&b, "\n\n---\n\n## Related (%s): %s\n\n", kind, label)
		b.WriteString(a.loadResult(ctx, sub))
	}

	fmt.Fprintf(&b, "\n\n---\n\nProcessed %d of %d items (%d related). Started %s, completed %s.\n",
		manifest.CompletedCount,
		manifest.TotalCount,
		len(manifest.SubItems),
		manifest.CreatedAt.UTC().Format(time.RFC3339),
		completedAt.Format(time.RFC3339),
	)

	return b.String(), mainText
}

// loadResult fetches one item's summary, substituting a placeholder when the
// reference is absent or unreadable.
func (a *Aggregator) loadResult(ctx context.Context, item domain.ItemRecord) string {
	placeholder := fmt.Sprintf("[Result unavailable for item %s]", item.ItemID)
	if item.ResultRef == "" {
		return placeholder
	}

	payload, _, err := a.store.Get(ctx, item.ResultRef)
	if err != nil {
		a.logger.Warn().
			Err(err).
			Str("item_id", item.ItemID).
			Str("result_ref", item.ResultRef).
			Msg("item result missing at aggregation")
		return placeholder
	}
	if len(payload) == 0 {
		return placeholder
	}
	return string(payload)
}

// publishCompleted emits the digest.completed event, best effort.
func (a *Aggregator) publishCompleted(ctx context.Context, manifest domain.ItemManifest, key string, completedAt time.Time) {
	payload := map[string]interface{}{
		"document_id":      manifest.DocumentID,
		"final_result_ref": key,
		"total_items":      manifest.TotalCount,
		"completed_items":  manifest.CompletedCount,
		"completed_at":     completedAt,
	}
	event, err := domain.NewDigestEvent(domain.EventTypeDigestCompleted, manifest.DocumentID, payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("build digest.completed event")
		return
	}
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.logger.Warn().
			Err(err).
			Str("document_id", manifest.DocumentID).
			Msg("publish digest.completed failed")
	}
}

// excerpt shortens a summary for the completion notice.
func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= noticeExcerptLen {
		return text
	}
	cut := text[:noticeExcerptLen]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
