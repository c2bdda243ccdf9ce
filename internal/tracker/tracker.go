// Package tracker maintains the fan-in manifest for a digest: which items
// exist, which have completed, and the exactly-once transition to
// all-items-completed.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/observability"
	"github.com/helixir/docdigest-service/internal/store"
)

// maxCASRetries bounds the compare-and-set loop under contention. Each retry
// re-reads the manifest, so livelock requires a sustained writer storm on one
// document.
const maxCASRetries = 8

// ManifestKey returns the store key of a digest's manifest.
func ManifestKey(documentID string) string {
	return "manifest#" + documentID
}

// MarkResult reports the outcome of a MarkCompleted call.
type MarkResult struct {
	// AllCompleted is true on exactly the call whose update first brought
	// completed count equal to total count. The caller holding this flag
	// owns finalization.
	AllCompleted bool

	// AlreadyCompleted is true when the item was completed before this call.
	AlreadyCompleted bool

	// Manifest is the manifest state after the update.
	Manifest domain.ItemManifest
}

// Tracker owns manifest lifecycle and fan-in accounting. All manifest writes
// go through compare-and-set on the manifest version, so concurrent callback
// handlers never lose updates.
type Tracker struct {
	store   store.Store
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Tracker over the given store.
func New(st store.Store, metrics *observability.Metrics, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:   st,
		metrics: metrics,
		logger:  logger.With().Str("component", "tracker").Logger(),
		now:     time.Now,
	}
}

// InitManifest creates the manifest for a new digest. The main item starts
// processing; sub-items start pending. Creating a manifest that already
// exists fails with domain.ErrAlreadyExists.
func (t *Tracker) InitManifest(ctx context.Context, documentID, title string, main domain.ItemRecord, subs []domain.ItemRecord) (domain.ItemManifest, error) {
	now := t.now().UTC()
	main.Status = domain.ItemStatusProcessing
	for i := range subs {
		if subs[i].Status == "" {
			subs[i].Status = domain.ItemStatusPending
		}
	}

	manifest := domain.ItemManifest{
		DocumentID: documentID,
		Title:      title,
		MainItem:   main,
		SubItems:   subs,
		TotalCount: 1 + len(subs),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	version, err := t.write(ctx, manifest, 0)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.ItemManifest{}, fmt.Errorf("manifest for %s: %w", documentID, domain.ErrAlreadyExists)
		}
		return domain.ItemManifest{}, err
	}
	manifest.Version = version
	return manifest, nil
}

// Get loads the manifest for a digest.
func (t *Tracker) Get(ctx context.Context, documentID string) (domain.ItemManifest, error) {
	payload, meta, err := t.store.Get(ctx, ManifestKey(documentID))
	if err != nil {
		return domain.ItemManifest{}, err
	}

	var manifest domain.ItemManifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return domain.ItemManifest{}, fmt.Errorf("decode manifest for %s: %w", documentID, err)
	}
	manifest.Version = meta.Version
	return manifest, nil
}

// MarkProcessing records that an item's workflow has started and which task
// is currently in flight for it.
func (t *Tracker) MarkProcessing(ctx context.Context, documentID, itemID, taskID string) error {
	_, err := t.update(ctx, documentID, func(m *domain.ItemManifest) (bool, error) {
		item := m.Item(itemID)
		if item == nil {
			return false, domain.NewNotFoundError("item", itemID)
		}
		if item.Status == domain.ItemStatusCompleted {
			return false, nil
		}
		item.Status = domain.ItemStatusProcessing
		item.TaskID = taskID
		return true, nil
	})
	return err
}

// MarkCompleted records an item's completion. The call is idempotent: marking
// an already-completed item changes nothing and reports AlreadyCompleted.
// AllCompleted is true for exactly one caller per digest, decided by the
// compare-and-set write that first brings the completed count to the total.
func (t *Tracker) MarkCompleted(ctx context.Context, documentID, itemID, resultRef string) (MarkResult, error) {
	var result MarkResult
	manifest, err := t.update(ctx, documentID, func(m *domain.ItemManifest) (bool, error) {
		result = MarkResult{}
		item := m.Item(itemID)
		if item == nil {
			return false, domain.NewNotFoundError("item", itemID)
		}
		if item.Status == domain.ItemStatusCompleted {
			result.AlreadyCompleted = true
			return false, nil
		}

		completedAt := t.now().UTC()
		item.Status = domain.ItemStatusCompleted
		item.ResultRef = resultRef
		item.TaskID = ""
		item.CompletedAt = &completedAt
		m.CompletedCount++

		result.AllCompleted = m.CompletedCount == m.TotalCount
		return true, nil
	})
	if err != nil {
		return MarkResult{}, err
	}

	if result.AllCompleted {
		t.metrics.RecordFanInCompleted()
		t.logger.Info().
			Str("document_id", documentID).
			Int("total_items", manifest.TotalCount).
			Msg("all items completed")
	}
	result.Manifest = manifest
	return result, nil
}

// MarkFinalized flips the manifest's one-way finalized flag. Finalizing an
// already-finalized manifest is a no-op and reports false.
func (t *Tracker) MarkFinalized(ctx context.Context, documentID string) (bool, error) {
	finalized := false
	_, err := t.update(ctx, documentID, func(m *domain.ItemManifest) (bool, error) {
		if m.Finalized {
			finalized = false
			return false, nil
		}
		m.Finalized = true
		finalized = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return finalized, nil
}

// update runs a read-modify-write loop over the manifest. mutate returns
// whether the manifest changed; returning false skips the write.
func (t *Tracker) update(ctx context.Context, documentID string, mutate func(*domain.ItemManifest) (bool, error)) (domain.ItemManifest, error) {
	for attempt := 0; attempt <= maxCASRetries; attempt++ {
		manifest, err := t.Get(ctx, documentID)
		if err != nil {
			return domain.ItemManifest{}, err
		}

		changed, err := mutate(&manifest)
		if err != nil {
			return domain.ItemManifest{}, err
		}
		if !changed {
			return manifest, nil
		}

		manifest.UpdatedAt = t.now().UTC()
		version, err := t.write(ctx, manifest, manifest.Version)
		if err == nil {
			manifest.Version = version
			return manifest, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.ItemManifest{}, err
		}

		// Lost the race; re-read and re-apply.
		t.metrics.RecordManifestConflict()
	}
	return domain.ItemManifest{}, fmt.Errorf("manifest update for %s: %w", documentID, domain.ErrVersionConflict)
}

// write persists the manifest with a conditional store write.
func (t *Tracker) write(ctx context.Context, manifest domain.ItemManifest, expected int64) (int64, error) {
	payload, err := json.Marshal(manifest)
	if err != nil {
		return 0, fmt.Errorf("encode manifest for %s: %w", manifest.DocumentID, err)
	}
	tags := map[string]string{"kind": "manifest"}
	return t.store.PutIfVersion(ctx, ManifestKey(manifest.DocumentID), payload, tags, expected)
}
