package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/observability"
)

// Callback outcome statuses returned to the HTTP boundary. A callback that
// cannot be matched or has already been applied is answered with a structured
// status rather than an error, so the caller stops retrying.
const (
	CallbackStatusProcessed = "processed"
	CallbackStatusNotFound  = "not_found"
	CallbackStatusDuplicate = "duplicate"
)

// CallbackOutcome reports how a task callback was handled.
type CallbackOutcome struct {
	Status     string
	DocumentID string
	ItemID     string
}

// HandleCallback resumes the workflow that dispatched taskID with the task's
// result text. Empty result text is accepted; the chunk is recorded as
// incomplete at aggregation. Unknown tasks and duplicate deliveries mutate
// nothing.
func (e *Engine) HandleCallback(ctx context.Context, taskID, resultText string) (CallbackOutcome, error) {
	logger := observability.WithCallbackContext(e.logger, "task_result", taskID)

	handle, err := e.loadTaskHandle(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.metrics.RecordUnknownTaskCallback()
			logger.Warn().Msg("callback for unknown task")
			return CallbackOutcome{Status: CallbackStatusNotFound}, nil
		}
		return CallbackOutcome{}, err
	}

	state, err := e.loadWorkflow(ctx, handle.DocumentID, handle.ItemID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The workflow finished or failed after this task was dispatched;
			// the handle is stale.
			e.deleteTaskHandle(ctx, taskID)
			e.metrics.RecordUnknownTaskCallback()
			return CallbackOutcome{Status: CallbackStatusNotFound}, nil
		}
		return CallbackOutcome{}, err
	}

	outcome := CallbackOutcome{
		DocumentID: handle.DocumentID,
		ItemID:     handle.ItemID,
	}
	if state.Step.IsTerminal() || state.ActiveTaskID != taskID {
		logger.Debug().
			Str("document_id", handle.DocumentID).
			Str("item_id", handle.ItemID).
			Msg("duplicate callback ignored")
		outcome.Status = CallbackStatusDuplicate
		return outcome, nil
	}

	e.metrics.RecordCallback("task_result")

	state.Chunking.ResultsByChunkIndex[handle.ChunkIndex] = resultText
	if next := handle.ChunkIndex + 1; next > state.Chunking.CurrentIndex {
		state.Chunking.CurrentIndex = next
	}
	state.ActiveTaskID = ""
	state.Step = domain.WorkflowStepResuming
	state.UpdatedAt = e.now().UTC()

	e.deleteTaskHandle(ctx, taskID)

	if _, more := state.NextChunk(); more {
		if err := e.sleep(ctx, e.cfg.InterDispatchDelay); err != nil {
			return outcome, err
		}
	}

	outcome.Status = CallbackStatusProcessed
	return outcome, e.runDispatchLoop(ctx, state)
}

// loadTaskHandle reads the routing record for a dispatched task.
func (e *Engine) loadTaskHandle(ctx context.Context, taskID string) (domain.TaskHandle, error) {
	payload, _, err := e.store.Get(ctx, TaskKey(taskID))
	if err != nil {
		return domain.TaskHandle{}, err
	}
	var handle domain.TaskHandle
	if err := json.Unmarshal(payload, &handle); err != nil {
		return domain.TaskHandle{}, fmt.Errorf("decode task handle %s: %w", taskID, err)
	}
	return handle, nil
}

// loadWorkflow reads one item's persisted continuation.
func (e *Engine) loadWorkflow(ctx context.Context, documentID, itemID string) (*domain.WorkflowState, error) {
	payload, _, err := e.store.Get(ctx, WorkflowKey(documentID, itemID))
	if err != nil {
		return nil, err
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decode workflow state for %s/%s: %w", documentID, itemID, err)
	}
	if state.Chunking.ResultsByChunkIndex == nil {
		state.Chunking.ResultsByChunkIndex = make(map[int]string)
	}
	return &state, nil
}

// deleteTaskHandle removes a consumed or stale task handle, best effort.
func (e *Engine) deleteTaskHandle(ctx context.Context, taskID string) {
	if err := e.store.Delete(ctx, TaskKey(taskID)); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("task handle cleanup failed")
	}
}
