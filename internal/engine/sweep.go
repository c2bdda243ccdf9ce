package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/helixir/docdigest-service/internal/domain"
)

// SweepStale finds workflows suspended on a dispatched task longer than
// staleAfter and applies the failure policy: a stale main item fails its
// digest, a stale related item completes with a placeholder. The count of
// swept workflows is returned.
//
// The downstream service owns task timeouts; this pass is a courtesy backstop
// for callbacks that will never arrive.
func (e *Engine) SweepStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	keys, err := e.store.List(ctx, "workflow#")
	if err != nil {
		return 0, fmt.Errorf("list workflow states: %w", err)
	}

	cutoff := e.now().UTC().Add(-staleAfter)
	swept := 0
	for _, key := range keys {
		documentID, itemID, ok := splitWorkflowKey(key)
		if !ok {
			continue
		}

		state, err := e.loadWorkflow(ctx, documentID, itemID)
		if err != nil {
			e.logger.Warn().Err(err).Str("key", key).Msg("sweep: workflow state unreadable")
			continue
		}
		if state.Step != domain.WorkflowStepDispatched || !state.UpdatedAt.Before(cutoff) {
			continue
		}

		e.logger.Warn().
			Str("document_id", documentID).
			Str("item_id", itemID).
			Str("task_id", state.ActiveTaskID).
			Time("dispatched_at", state.UpdatedAt).
			Msg("sweeping stale workflow")

		if state.ActiveTaskID != "" {
			e.deleteTaskHandle(ctx, state.ActiveTaskID)
		}
		cause := fmt.Errorf("task %s timed out after %s", state.ActiveTaskID, staleAfter)
		if err := e.failItem(ctx, state, cause); err != nil && state.Kind != domain.ItemKindMain {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// splitWorkflowKey parses a workflow key into its document and item IDs.
func splitWorkflowKey(key string) (documentID, itemID string, ok bool) {
	const prefix = "workflow#"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '#' {
			return rest[:i], rest[i+1:], rest[:i] != "" && rest[i+1:] != ""
		}
	}
	return "", "", false
}
