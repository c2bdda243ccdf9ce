// Package engine drives the resumable fan-out/fan-in digest workflow. Each
// unit of work runs in one short-lived invocation: chunk, dispatch, persist
// the continuation, return. The next invocation is triggered by the external
// service's callback.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/docdigest-service/internal/aggregate"
	"github.com/helixir/docdigest-service/internal/chunker"
	"github.com/helixir/docdigest-service/internal/config"
	"github.com/helixir/docdigest-service/internal/dispatch"
	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/notify"
	"github.com/helixir/docdigest-service/internal/observability"
	"github.com/helixir/docdigest-service/internal/source"
	"github.com/helixir/docdigest-service/internal/store"
	"github.com/helixir/docdigest-service/internal/tracker"
)

// WorkflowKey returns the store key of one item's workflow continuation.
func WorkflowKey(documentID, itemID string) string {
	return "workflow#" + documentID + "#" + itemID
}

// TaskKey returns the store key of the task handle routing a callback.
func TaskKey(taskID string) string {
	return "task#" + taskID
}

// ItemResultKey returns the store key of one item's combined summary.
func ItemResultKey(documentID, itemID string) string {
	return "result#" + documentID + "#" + itemID
}

// Finalizer aggregates a fully completed digest into its final result.
type Finalizer interface {
	Finalize(ctx context.Context, manifest domain.ItemManifest) (aggregate.FinalizeResult, error)
}

// Compile-time interface verification.
var _ Finalizer = (*aggregate.Aggregator)(nil)

// Config holds the engine's operational knobs.
type Config struct {
	// MaxChunkSize is the chunk size ceiling in bytes for dispatched text.
	MaxChunkSize int

	// InterDispatchDelay is the pause between successive chunk dispatches of
	// one item. Zero disables the pause.
	InterDispatchDelay time.Duration

	// CallbackURL is the externally reachable endpoint tasks call back to.
	CallbackURL string

	// MaxRelatedItems caps how many related items one digest fans out to.
	MaxRelatedItems int
}

// ConfigFrom derives the engine config from service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxChunkSize:       cfg.Dispatch.MaxChunkSize,
		InterDispatchDelay: cfg.Dispatch.InterDispatchDelay,
		CallbackURL:        strings.TrimRight(cfg.Dispatch.CallbackBaseURL, "/") + "/api/v1/callbacks",
		MaxRelatedItems:    cfg.Source.MaxRelatedItems,
	}
}

// Engine coordinates digests: it fans a document and its related items out
// into per-item workflows, resumes them on callbacks, and hands completed
// items to the tracker for fan-in.
type Engine struct {
	store      store.Store
	tracker    *tracker.Tracker
	dispatcher dispatch.Dispatcher
	fetcher    source.Fetcher
	finalizer  Finalizer
	publisher  notify.Publisher
	cfg        Config
	metrics    *observability.Metrics
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates an Engine.
func New(
	st store.Store,
	tr *tracker.Tracker,
	dispatcher dispatch.Dispatcher,
	fetcher source.Fetcher,
	finalizer Finalizer,
	publisher notify.Publisher,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 15000
	}
	return &Engine{
		store:      st,
		tracker:    tr,
		dispatcher: dispatcher,
		fetcher:    fetcher,
		finalizer:  finalizer,
		publisher:  publisher,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With().Str("component", "engine").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// StartRequest describes a digest to start.
type StartRequest struct {
	// DocumentID identifies the digest. Generated when empty.
	DocumentID string

	// URL is the location of the main document.
	URL string

	// Title overrides the fetched document title when set.
	Title string
}

// StartResult reports a started digest.
type StartResult struct {
	DocumentID string
	Title      string
	ItemCount  int

	// Issues lists non-fatal oddities observed while starting, such as
	// related items that could not be fetched.
	Issues []observability.Issue
}

// StartDigest fetches the document, discovers related items, creates the
// fan-in manifest, and starts one workflow per item. Related items that fail
// to fetch complete immediately with a visible placeholder instead of holding
// the digest open.
func (e *Engine) StartDigest(ctx context.Context, req StartRequest) (StartResult, error) {
	documentID := req.DocumentID
	if documentID == "" {
		documentID = uuid.NewString()
	}
	logger := observability.WithDigestContext(e.logger, documentID)
	rec := observability.NewIssueRecorder()

	doc, err := e.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return StartResult{}, fmt.Errorf("fetch document: %w", err)
	}
	title := req.Title
	if title == "" {
		title = doc.Title
	}

	related := source.DiscoverRelated(doc.Text, req.URL, e.cfg.MaxRelatedItems)

	main := domain.ItemRecord{
		ItemID:    uuid.NewString(),
		ContentID: req.URL,
		Title:     title,
		Kind:      domain.ItemKindMain,
	}
	subs := make([]domain.ItemRecord, 0, len(related))
	for _, r := range related {
		subs = append(subs, domain.ItemRecord{
			ItemID:     r.ItemID,
			ContentID:  r.URL,
			Title:      r.Title,
			SourceKind: r.SourceKind,
			Kind:       domain.ItemKindSub,
		})
	}

	if _, err := e.tracker.InitManifest(ctx, documentID, title, main, subs); err != nil {
		return StartResult{}, err
	}

	e.metrics.RecordDigestStarted()
	e.publishEvent(ctx, domain.EventTypeDigestStarted, documentID, map[string]interface{}{
		"document_id": documentID,
		"title":       title,
		"item_count":  1 + len(subs),
	})
	logger.Info().
		Str("title", title).
		Int("related_items", len(subs)).
		Msg("digest started")

	if err := e.startItem(ctx, documentID, main, doc.Text); err != nil {
		return StartResult{}, err
	}

	for _, sub := range subs {
		subDoc, err := e.fetcher.Fetch(ctx, sub.ContentID)
		if err != nil {
			rec.Record("fetch", fmt.Sprintf("related item %s: %v", sub.ContentID, err))
			logger.Warn().
				Err(err).
				Str("item_id", sub.ItemID).
				Str("url", sub.ContentID).
				Msg("related item fetch failed, completing with placeholder")
			placeholder := fmt.Sprintf("[Content unavailable for %s]", sub.ContentID)
			if err := e.finishItem(ctx, documentID, sub.ItemID, sub.Kind, placeholder); err != nil {
				return StartResult{}, err
			}
			continue
		}
		if err := e.startItem(ctx, documentID, sub, subDoc.Text); err != nil {
			return StartResult{}, err
		}
	}

	return StartResult{
		DocumentID: documentID,
		Title:      title,
		ItemCount:  1 + len(subs),
		Issues:     rec.Issues(),
	}, nil
}

// startItem chunks an item's text and runs the dispatch loop until the
// workflow suspends on an accepted task, completes, or fails.
func (e *Engine) startItem(ctx context.Context, documentID string, item domain.ItemRecord, text string) error {
	if strings.TrimSpace(text) == "" {
		return e.finishItem(ctx, documentID, item.ItemID, item.Kind, "[No content to summarize]")
	}

	chunks := chunker.Split(text, e.cfg.MaxChunkSize)
	now := e.now().UTC()
	state := &domain.WorkflowState{
		DocumentID: documentID,
		ItemID:     item.ItemID,
		Kind:       item.Kind,
		Title:      item.Title,
		Step:       domain.WorkflowStepStarted,
		Chunking: domain.ChunkingState{
			Chunks:              chunks,
			TotalChunks:         len(chunks),
			ResultsByChunkIndex: make(map[int]string),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.metrics.RecordItemStarted(string(item.Kind), len(chunks))
	return e.runDispatchLoop(ctx, state)
}

// runDispatchLoop dispatches chunks starting at the state's current index.
// An accepted task suspends the workflow: state and task handle are persisted
// and the loop returns. Immediate results are recorded inline and the loop
// advances to the next chunk. When no chunks remain the item completes.
func (e *Engine) runDispatchLoop(ctx context.Context, state *domain.WorkflowState) error {
	for {
		chunkText, ok := state.NextChunk()
		if !ok {
			return e.completeItem(ctx, state)
		}

		prompt, err := dispatch.BuildPrompt(state.Kind, state.Title, state.Chunking.CurrentIndex, state.Chunking.TotalChunks, chunkText)
		if err != nil {
			return e.failItem(ctx, state, err)
		}

		taskID := uuid.NewString()
		task := dispatch.TaskRequest{
			TaskID:      taskID,
			DocumentID:  state.DocumentID,
			ItemID:      state.ItemID,
			Kind:        state.Kind,
			ChunkIndex:  state.Chunking.CurrentIndex,
			TotalChunks: state.Chunking.TotalChunks,
			Prompt:      prompt,
			CallbackURL: e.cfg.CallbackURL,
		}

		res, err := e.dispatcher.Dispatch(ctx, task)
		if err != nil {
			return e.failItem(ctx, state, err)
		}

		if res.Accepted {
			return e.suspend(ctx, state, taskID)
		}

		// Synchronous answer: skip the suspension point and resume inline.
		state.Chunking.ResultsByChunkIndex[state.Chunking.CurrentIndex] = res.Summary
		state.Chunking.CurrentIndex++
		state.Step = domain.WorkflowStepResuming
		state.UpdatedAt = e.now().UTC()

		if _, more := state.NextChunk(); more {
			if err := e.sleep(ctx, e.cfg.InterDispatchDelay); err != nil {
				return err
			}
		}
	}
}

// suspend persists the workflow continuation and the task handle that routes
// the callback back to it.
func (e *Engine) suspend(ctx context.Context, state *domain.WorkflowState, taskID string) error {
	state.Step = domain.WorkflowStepDispatched
	state.ActiveTaskID = taskID
	state.UpdatedAt = e.now().UTC()

	if err := e.putJSON(ctx, WorkflowKey(state.DocumentID, state.ItemID), state, "workflow"); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}

	handle := domain.TaskHandle{
		TaskID:     taskID,
		DocumentID: state.DocumentID,
		ItemID:     state.ItemID,
		ChunkIndex: state.Chunking.CurrentIndex,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.putJSON(ctx, TaskKey(taskID), handle, "task"); err != nil {
		return fmt.Errorf("persist task handle: %w", err)
	}

	if err := e.tracker.MarkProcessing(ctx, state.DocumentID, state.ItemID, taskID); err != nil {
		e.logger.Warn().
			Err(err).
			Str("document_id", state.DocumentID).
			Str("item_id", state.ItemID).
			Msg("manifest processing mark failed")
	}

	logger := observability.WithTaskContext(e.logger, taskID, state.Chunking.CurrentIndex)
	logger.Debug().
		Str("document_id", state.DocumentID).
		Str("item_id", state.ItemID).
		Int("total_chunks", state.Chunking.TotalChunks).
		Msg("workflow suspended on dispatched task")
	return nil
}

// completeItem combines all chunk results, clears the workflow continuation,
// and hands the item to the tracker.
func (e *Engine) completeItem(ctx context.Context, state *domain.WorkflowState) error {
	combined := combineResults(&state.Chunking)
	if err := e.store.Delete(ctx, WorkflowKey(state.DocumentID, state.ItemID)); err != nil {
		e.logger.Warn().
			Err(err).
			Str("item_id", state.ItemID).
			Msg("workflow state cleanup failed")
	}
	return e.finishItem(ctx, state.DocumentID, state.ItemID, state.Kind, combined)
}

// finishItem stores the item's combined result, marks it completed in the
// manifest, and finalizes the digest when this item was the last one.
func (e *Engine) finishItem(ctx context.Context, documentID, itemID string, kind domain.ItemKind, text string) error {
	ref := ItemResultKey(documentID, itemID)
	tags := map[string]string{"kind": "result", "document_id": documentID}
	if _, err := e.store.Put(ctx, ref, []byte(text), tags); err != nil {
		return fmt.Errorf("persist item result: %w", err)
	}

	mark, err := e.tracker.MarkCompleted(ctx, documentID, itemID, ref)
	if err != nil {
		return fmt.Errorf("mark item completed: %w", err)
	}
	if mark.AlreadyCompleted {
		return nil
	}
	e.metrics.RecordItemCompleted(string(kind))

	if !mark.AllCompleted {
		return nil
	}

	if _, err := e.finalizer.Finalize(ctx, mark.Manifest); err != nil {
		return fmt.Errorf("finalize digest %s: %w", documentID, err)
	}
	e.metrics.RecordDigestCompleted(e.now().UTC().Sub(mark.Manifest.CreatedAt).Seconds())
	return nil
}

// failItem applies the dispatch-failure policy: a failed main item fails the
// whole digest, a failed related item completes with a placeholder so the
// digest can still finalize.
func (e *Engine) failItem(ctx context.Context, state *domain.WorkflowState, cause error) error {
	if state.Kind == domain.ItemKindMain {
		return e.failDocument(ctx, state, cause)
	}

	e.logger.Warn().
		Err(cause).
		Str("document_id", state.DocumentID).
		Str("item_id", state.ItemID).
		Msg("related item failed, completing with placeholder")

	if err := e.store.Delete(ctx, WorkflowKey(state.DocumentID, state.ItemID)); err != nil {
		e.logger.Warn().Err(err).Str("item_id", state.ItemID).Msg("workflow state cleanup failed")
	}
	placeholder := fmt.Sprintf("[Summary unavailable for item %s: %v]", state.ItemID, cause)
	return e.finishItem(ctx, state.DocumentID, state.ItemID, state.Kind, placeholder)
}

// failDocument records a terminal failure for the digest's main item. The
// failed workflow state is kept for diagnostics.
func (e *Engine) failDocument(ctx context.Context, state *domain.WorkflowState, cause error) error {
	state.Step = domain.WorkflowStepFailed
	state.LastError = cause.Error()
	state.ActiveTaskID = ""
	state.UpdatedAt = e.now().UTC()

	if err := e.putJSON(ctx, WorkflowKey(state.DocumentID, state.ItemID), state, "workflow"); err != nil {
		e.logger.Error().Err(err).Str("document_id", state.DocumentID).Msg("persist failed workflow state")
	}

	e.metrics.RecordDigestFailed(e.now().UTC().Sub(state.CreatedAt).Seconds())
	e.publishEvent(ctx, domain.EventTypeDigestFailed, state.DocumentID, map[string]interface{}{
		"document_id": state.DocumentID,
		"item_id":     state.ItemID,
		"error":       cause.Error(),
	})

	logger := observability.WithDigestContext(e.logger, state.DocumentID)
	logger.Error().
		Err(cause).
		Str("item_id", state.ItemID).
		Msg("digest failed")
	return fmt.Errorf("digest %s: %w", state.DocumentID, errors.Join(domain.ErrWorkflowFailed, cause))
}

// combineResults assembles chunk results in index order. Multi-chunk items
// get per-chunk headers; a missing result leaves a visible gap marker rather
// than silently dropping the chunk.
func combineResults(c *domain.ChunkingState) string {
	if c.TotalChunks == 1 {
		if text, ok := c.ResultsByChunkIndex[0]; ok && text != "" {
			return text
		}
		return "[Chunk 1 failed or incomplete]"
	}

	parts := make([]string, 0, c.TotalChunks)
	for i := 0; i < c.TotalChunks; i++ {
		text, ok := c.ResultsByChunkIndex[i]
		if !ok || text == "" {
			text = fmt.Sprintf("[Chunk %d failed or incomplete]", i+1)
		}
		parts = append(parts, fmt.Sprintf("## Chunk %d of %d\n\n%s", i+1, c.TotalChunks, text))
	}
	return strings.Join(parts, "\n\n")
}

// publishEvent emits a lifecycle event, best effort.
func (e *Engine) publishEvent(ctx context.Context, eventType, documentID string, payload map[string]interface{}) {
	event, err := domain.NewDigestEvent(eventType, documentID, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("event_type", eventType).Msg("build event")
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn().
			Err(err).
			Str("event_type", eventType).
			Str("document_id", documentID).
			Msg("event publish failed")
	}
}

// putJSON persists a JSON-encoded record.
func (e *Engine) putJSON(ctx context.Context, key string, v interface{}, kind string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	_, err = e.store.Put(ctx, key, payload, map[string]string{"kind": kind})
	return err
}

// sleepCtx pauses for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
