package engine

import (
	"context"
	"errors"

	"github.com/helixir/docdigest-service/internal/aggregate"
	"github.com/helixir/docdigest-service/internal/domain"
)

// Digest status values reported by Progress.
const (
	DigestStatusProcessing = "processing"
	DigestStatusCompleted  = "completed"
	DigestStatusFailed     = "failed"
)

// Progress assembles a status snapshot for a digest from its manifest and any
// live workflow continuations.
func (e *Engine) Progress(ctx context.Context, documentID string) (domain.DigestProgress, error) {
	manifest, err := e.tracker.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.DigestProgress{}, domain.NewNotFoundError("digest", documentID)
		}
		return domain.DigestProgress{}, err
	}

	progress := domain.DigestProgress{
		DocumentID:     documentID,
		Title:          manifest.Title,
		Status:         DigestStatusProcessing,
		TotalItems:     manifest.TotalCount,
		CompletedItems: manifest.CompletedCount,
		LastUpdatedAt:  manifest.UpdatedAt,
	}
	if manifest.Finalized {
		progress.Status = DigestStatusCompleted
		progress.FinalResultRef = aggregate.FinalResultKey(documentID)
	}

	for _, item := range manifest.Items() {
		ip := domain.ItemProgress{
			ItemID: item.ItemID,
			Kind:   item.Kind,
			Title:  item.Title,
			Status: item.Status,
		}

		if item.Status != domain.ItemStatusCompleted {
			if state, err := e.loadWorkflow(ctx, documentID, item.ItemID); err == nil {
				ip.TotalChunks = state.Chunking.TotalChunks
				ip.CompletedChunks = state.ResultCount()
				if state.UpdatedAt.After(progress.LastUpdatedAt) {
					progress.LastUpdatedAt = state.UpdatedAt
				}
				if state.Step == domain.WorkflowStepFailed && item.Kind == domain.ItemKindMain {
					progress.Status = DigestStatusFailed
				}
			}
		}

		progress.Items = append(progress.Items, ip)
	}

	return progress, nil
}

// Result returns the aggregated final text of a completed digest.
func (e *Engine) Result(ctx context.Context, documentID string) (string, error) {
	manifest, err := e.tracker.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewNotFoundError("digest", documentID)
		}
		return "", err
	}
	if !manifest.Finalized {
		return "", domain.NewNotFoundError("final result", documentID)
	}

	payload, _, err := e.store.Get(ctx, aggregate.FinalResultKey(documentID))
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
