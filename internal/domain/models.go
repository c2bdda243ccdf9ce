// Package domain provides domain models and business logic for the Document Digest Service.
package domain

import (
	"time"
)

// WorkflowStep represents the lifecycle states of a per-item summarization workflow.
// A workflow advances one step per invocation: dispatch a chunk, persist, return,
// and resume when the external service calls back.
type WorkflowStep string

const (
	WorkflowStepStarted    WorkflowStep = "started"
	WorkflowStepDispatched WorkflowStep = "dispatched"
	WorkflowStepResuming   WorkflowStep = "resuming"
	WorkflowStepFinalizing WorkflowStep = "finalizing"
	WorkflowStepDone       WorkflowStep = "done"
	WorkflowStepFailed     WorkflowStep = "failed"
)

// IsTerminal returns true if the step represents a final state that will not change.
func (s WorkflowStep) IsTerminal() bool {
	switch s {
	case WorkflowStepDone, WorkflowStepFailed:
		return true
	default:
		return false
	}
}

// ItemKind distinguishes the main document from externally discovered related items.
type ItemKind string

const (
	ItemKindMain ItemKind = "main"
	ItemKindSub  ItemKind = "sub"
)

// ItemStatus represents the processing state of one item within a digest.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
)

// ChunkingState tracks chunk-by-chunk progress of one item's text through the
// external text-processing service.
type ChunkingState struct {
	// Chunks is the ordered list of text chunks produced by the chunker.
	Chunks []string `json:"chunks"`

	// TotalChunks is len(Chunks), persisted explicitly so progress can be
	// reported without loading chunk bodies.
	TotalChunks int `json:"total_chunks"`

	// CurrentIndex is the index of the chunk currently in flight.
	// It only ever increases.
	CurrentIndex int `json:"current_index"`

	// ResultsByChunkIndex maps chunk index to the result text returned by the
	// external service. Once set, an entry is never removed.
	ResultsByChunkIndex map[int]string `json:"results_by_chunk_index"`
}

// WorkflowState is the persisted continuation record for one item of a digest.
// It is created on first dispatch, mutated only by the callback handler holding
// the matching ActiveTaskID, and deleted when the item completes. Failed
// workflows are kept for diagnostics.
type WorkflowState struct {
	// DocumentID identifies the digest this workflow belongs to.
	DocumentID string `json:"document_id"`

	// ItemID identifies the item (main document or related item) being summarized.
	ItemID string `json:"item_id"`

	// Kind is the item kind, used to select the prompt template on dispatch.
	Kind ItemKind `json:"kind"`

	// Title is the item's title, carried so dispatch prompts can reference it
	// without reloading the manifest.
	Title string `json:"title,omitempty"`

	// Step is the current lifecycle step.
	Step WorkflowStep `json:"step"`

	// Chunking tracks per-chunk dispatch and results.
	Chunking ChunkingState `json:"chunking"`

	// ActiveTaskID is the opaque task identifier of the in-flight dispatch.
	// Empty when no dispatch is pending.
	ActiveTaskID string `json:"active_task_id,omitempty"`

	// LastError preserves the error that moved the workflow to the failed step,
	// for operator diagnostics. Empty otherwise.
	LastError string `json:"last_error,omitempty"`

	// DispatchAttempts counts consecutive failed dispatch attempts for the
	// current chunk. Reset to zero on successful dispatch.
	DispatchAttempts int `json:"dispatch_attempts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextChunk returns the chunk text to dispatch next and true, or "" and false
// when all chunks have been dispatched.
func (w *WorkflowState) NextChunk() (string, bool) {
	if w.Chunking.CurrentIndex >= w.Chunking.TotalChunks {
		return "", false
	}
	return w.Chunking.Chunks[w.Chunking.CurrentIndex], true
}

// ResultCount returns the number of chunk results recorded so far.
func (w *WorkflowState) ResultCount() int {
	return len(w.Chunking.ResultsByChunkIndex)
}

// TaskHandle routes an incoming callback to the workflow that dispatched the task.
// It is persisted under a key derived from the task ID and deleted when the task
// completes or the workflow reaches a terminal step.
type TaskHandle struct {
	TaskID     string    `json:"task_id"`
	DocumentID string    `json:"document_id"`
	ItemID     string    `json:"item_id"`
	ChunkIndex int       `json:"chunk_index"`
	CreatedAt  time.Time `json:"created_at"`
}

// ItemRecord describes one item within a digest manifest.
type ItemRecord struct {
	// ItemID uniquely identifies the item within its digest.
	ItemID string `json:"item_id"`

	// ContentID identifies the source content (URL or external identifier).
	ContentID string `json:"content_id"`

	// Title is the human-readable title of the item, used for labeling
	// the item's section in the aggregated result.
	Title string `json:"title,omitempty"`

	// SourceKind names the origin of the content (e.g. "attachment", "link").
	SourceKind string `json:"source_kind,omitempty"`

	// Kind distinguishes the main document from related items.
	Kind ItemKind `json:"kind"`

	// Status is the item's processing status.
	Status ItemStatus `json:"status"`

	// TaskID is the most recent task dispatched for this item, if any.
	TaskID string `json:"task_id,omitempty"`

	// ResultRef is the storage key holding the item's combined result.
	// Set when the item completes.
	ResultRef string `json:"result_ref,omitempty"`

	// CompletedAt records when the item reached the completed status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ItemManifest is the fan-in record for one digest: the main item, all
// discovered related items, and their completion state. The manifest becomes
// finalization-ready exactly once, on the update that first brings
// CompletedCount equal to TotalCount.
type ItemManifest struct {
	// DocumentID identifies the digest.
	DocumentID string `json:"document_id"`

	// Title is the main document's title.
	Title string `json:"title,omitempty"`

	// MainItem is the record for the main document.
	MainItem ItemRecord `json:"main_item"`

	// SubItems are the records for externally discovered related items.
	SubItems []ItemRecord `json:"sub_items"`

	// TotalCount is 1 + len(SubItems), persisted explicitly.
	TotalCount int `json:"total_count"`

	// CompletedCount equals the number of items with status completed.
	CompletedCount int `json:"completed_count"`

	// Finalized is set when aggregation has produced the final result.
	// The transition is one-way.
	Finalized bool `json:"finalized"`

	// Version is the optimistic-concurrency version of this record.
	// Incremented by the store on every conditional write.
	Version int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Item returns a pointer to the record with the given item ID, or nil.
func (m *ItemManifest) Item(itemID string) *ItemRecord {
	if m.MainItem.ItemID == itemID {
		return &m.MainItem
	}
	for i := range m.SubItems {
		if m.SubItems[i].ItemID == itemID {
			return &m.SubItems[i]
		}
	}
	return nil
}

// Items returns all item records, main first.
func (m *ItemManifest) Items() []ItemRecord {
	items := make([]ItemRecord, 0, 1+len(m.SubItems))
	items = append(items, m.MainItem)
	items = append(items, m.SubItems...)
	return items
}

// AllCompleted returns true when every item has completed.
func (m *ItemManifest) AllCompleted() bool {
	return m.TotalCount > 0 && m.CompletedCount == m.TotalCount
}

// Document is the flattened source document consumed by the digest engine.
// Fetching and flattening are performed by an external collaborator; the core
// only consumes the title and plain text.
type Document struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// RelatedItem describes one externally discovered piece of related content.
type RelatedItem struct {
	ItemID     string `json:"item_id"`
	SourceKind string `json:"source_kind"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
}

// DigestProgress is a snapshot of a digest's state used for status reporting.
type DigestProgress struct {
	// DocumentID identifies the digest.
	DocumentID string `json:"document_id"`

	// Title is the main document's title.
	Title string `json:"title,omitempty"`

	// Status summarizes the digest: "processing", "completed", or "failed".
	Status string `json:"status"`

	// TotalItems is the number of items in the manifest.
	TotalItems int `json:"total_items"`

	// CompletedItems is the number of items that have finished.
	CompletedItems int `json:"completed_items"`

	// Items holds per-item progress, main item first.
	Items []ItemProgress `json:"items"`

	// FinalResultRef is the storage key of the aggregated result, set once
	// the digest is finalized.
	FinalResultRef string `json:"final_result_ref,omitempty"`

	// LastUpdatedAt records when the underlying records last changed.
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// ItemProgress reports chunk-level progress for one item.
type ItemProgress struct {
	ItemID          string     `json:"item_id"`
	Kind            ItemKind   `json:"kind"`
	Title           string     `json:"title,omitempty"`
	Status          ItemStatus `json:"status"`
	TotalChunks     int        `json:"total_chunks,omitempty"`
	CompletedChunks int        `json:"completed_chunks,omitempty"`
}
