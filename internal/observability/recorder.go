package observability

import (
	"sync"
	"time"
)

// Issue is a single non-fatal problem observed while processing a digest,
// such as a sanitization fallback or a chunk that needed a hard re-split.
type Issue struct {
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	ObservedAt time.Time `json:"observed_at"`
}

// IssueRecorder accumulates non-fatal issues for a single digest invocation.
// Each invocation gets its own recorder; issues are reported with the digest
// result rather than through shared state.
type IssueRecorder struct {
	mu     sync.Mutex
	issues []Issue
	now    func() time.Time
}

// NewIssueRecorder creates an empty recorder.
func NewIssueRecorder() *IssueRecorder {
	return &IssueRecorder{now: time.Now}
}

// Record appends an issue observed at the given processing stage.
func (r *IssueRecorder) Record(stage, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issues = append(r.issues, Issue{
		Stage:      stage,
		Message:    message,
		ObservedAt: r.now().UTC(),
	})
}

// Issues returns a copy of the recorded issues in observation order.
func (r *IssueRecorder) Issues() []Issue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Issue, len(r.issues))
	copy(out, r.issues)
	return out
}

// Len returns the number of recorded issues.
func (r *IssueRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.issues)
}
