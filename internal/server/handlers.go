package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/docdigest-service/internal/engine"
	"github.com/helixir/docdigest-service/internal/observability"
)

// maxRequestBodySize caps request bodies at 1 MB.
const maxRequestBodySize = 1 << 20

// callbackTypeTaskResult is the discriminator value for task result callbacks.
const callbackTypeTaskResult = "task_result"

// startDigestRequest is the JSON body for starting a digest.
type startDigestRequest struct {
	DocumentID string `json:"document_id,omitempty" validate:"omitempty,max=128"`
	URL        string `json:"url" validate:"required,url"`
	Title      string `json:"title,omitempty" validate:"omitempty,max=500"`
}

// startDigestResponse reports an accepted digest.
type startDigestResponse struct {
	DocumentID string                `json:"document_id"`
	Title      string                `json:"title,omitempty"`
	Status     string                `json:"status"`
	ItemCount  int                   `json:"item_count"`
	Issues     []observability.Issue `json:"issues,omitempty"`
}

// callbackRequest is the tagged-union JSON body for the callback endpoint.
// The explicit type field discriminates callback variants.
type callbackRequest struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	ResultText string `json:"result_text"`
}

// callbackResponse is the structured status answered to every callback.
type callbackResponse struct {
	Status     string `json:"status"`
	DocumentID string `json:"document_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
}

// resultResponse carries a digest's final text.
type resultResponse struct {
	DocumentID string `json:"document_id"`
	Result     string `json:"result"`
}

// storeStatsResponse reports store usage.
type storeStatsResponse struct {
	EntryCount   int   `json:"entry_count"`
	TotalBytes   int64 `json:"total_bytes"`
	LargestEntry int64 `json:"largest_entry"`
}

// startDigest handles POST /api/v1/digests.
func (s *Server) startDigest(w http.ResponseWriter, r *http.Request) {
	var req startDigestRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	s.logger.Info().
		Str("correlation_id", correlationIDFromContext(r.Context())).
		Str("url", req.URL).
		Msg("starting digest")

	res, err := s.engine.StartDigest(r.Context(), engine.StartRequest{
		DocumentID: strings.TrimSpace(req.DocumentID),
		URL:        req.URL,
		Title:      strings.TrimSpace(req.Title),
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startDigestResponse{
		DocumentID: res.DocumentID,
		Title:      res.Title,
		Status:     "processing",
		ItemCount:  res.ItemCount,
		Issues:     res.Issues,
	})
}

// handleCallback handles POST /api/v1/callbacks. Unknown tasks and duplicate
// deliveries are answered 200 with a structured status so the caller stops
// retrying.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if req.Type != callbackTypeTaskResult {
		writeError(w, http.StatusBadRequest, "unsupported callback type: "+req.Type)
		return
	}
	if req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	outcome, err := s.engine.HandleCallback(r.Context(), req.TaskID, req.ResultText)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{
		Status:     outcome.Status,
		DocumentID: outcome.DocumentID,
		ItemID:     outcome.ItemID,
	})
}

// getDigestStatus handles GET /api/v1/digests/{documentID}.
func (s *Server) getDigestStatus(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	progress, err := s.engine.Progress(r.Context(), documentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// getDigestResult handles GET /api/v1/digests/{documentID}/result.
func (s *Server) getDigestResult(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	result, err := s.engine.Result(r.Context(), documentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		DocumentID: documentID,
		Result:     result,
	})
}

// getStoreStats handles GET /api/v1/store/stats.
func (s *Server) getStoreStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storeStatsResponse{
		EntryCount:   stats.EntryCount,
		TotalBytes:   stats.TotalBytes,
		LargestEntry: stats.LargestEntry,
	})
}

// decodeBody reads and decodes a JSON request body, answering 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}
