package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants for published digest events.
const (
	EventTypeDigestStarted   = "digest.started"
	EventTypeDigestCompleted = "digest.completed"
	EventTypeDigestFailed    = "digest.failed"
)

// AggregateTypeDigest is the aggregate type carried on every digest event.
const AggregateTypeDigest = "document_digest"

// DigestEvent represents an event published when a digest changes state.
// Publication is best-effort: a failed publish is logged and surfaced to the
// caller but never rolls back the state change that produced the event.
type DigestEvent struct {
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// NewDigestEvent creates a new digest event with the given parameters.
// The payload is JSON-serialized automatically.
func NewDigestEvent(eventType, documentID string, payload interface{}) (*DigestEvent, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &DigestEvent{
		EventID:       uuid.New().String(),
		AggregateID:   documentID,
		AggregateType: AggregateTypeDigest,
		EventType:     eventType,
		Payload:       payloadBytes,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// CompletionNotice is the payload of the single outbound notification sent
// when a digest is finalized.
type CompletionNotice struct {
	// DocumentID identifies the finalized digest.
	DocumentID string `json:"document_id"`

	// Title is the main document's title.
	Title string `json:"title,omitempty"`

	// Summary is a short excerpt of the aggregated result.
	Summary string `json:"summary"`

	// FinalResultRef is the storage key holding the full aggregated result.
	FinalResultRef string `json:"final_result_ref"`

	// ItemCounts reports how many items were processed.
	ItemCounts ItemCounts `json:"item_counts"`

	// CompletedAt records when aggregation finished.
	CompletedAt time.Time `json:"completed_at"`
}

// ItemCounts summarizes item totals for a completion notice.
type ItemCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	SubItems  int `json:"sub_items"`
}
