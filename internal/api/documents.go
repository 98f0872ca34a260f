package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/task"
)

// DocumentRemover deletes a document with its chunks and vector
// records.
type DocumentRemover interface {
	Remove(ctx context.Context, documentID uuid.UUID) error
}

// documentHandler serves document ingestion and removal. Ingestion is
// asynchronous: the handler validates, enqueues, and hands back a task
// id for polling.
type documentHandler struct {
	tasks     TaskService
	documents DocumentRemover
	logger    log.Logger
}

// ingestRequest is the body of POST /api/v1/documents. Either a source
// URI (file path or web URL, fetched by the worker) or inline content
// must be given.
type ingestRequest struct {
	SourceURI string            `json:"source_uri"`
	Content   string            `json:"content"`
	MimeKind  string            `json:"mime_kind"`
	Tags      map[string]string `json:"tags"`
}

// submit handles POST /api/v1/documents — validates the source and
// enqueues ingestion.
func (h *documentHandler) submit(w http.ResponseWriter, r *http.Request) {
	// Inline content may carry a whole document; allow the cap plus
	// some envelope overhead.
	r.Body = http.MaxBytesReader(w, r.Body, document.MaxSourceBytes+64*1024)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, KindValidationError, "request body too large", h.logger)
			return
		}
		WriteError(w, http.StatusBadRequest, KindValidationError, "invalid request body", h.logger)
		return
	}

	if req.SourceURI == "" && req.Content == "" {
		WriteError(w, http.StatusBadRequest, KindValidationError, "either source_uri or content is required", h.logger)
		return
	}
	if req.SourceURI == "" {
		// Inline submissions without a name get a stable identity from
		// their content, so re-submitting the same text stays a no-op.
		req.SourceURI = "inline:" + document.HashContent(req.Content)[:16]
	}

	// Reject unsupported and oversized sources before any work is
	// enqueued.
	if err := document.ValidateSource(req.SourceURI, len(req.Content)); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	t, err := h.tasks.Submit(r.Context(), task.KindIngestDocument, task.IngestPayload{
		SourceURI: req.SourceURI,
		Content:   req.Content,
		MimeKind:  req.MimeKind,
		Tags:      req.Tags,
	})
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	h.logger.Info("ingestion enqueued", "task_id", t.ID, "source_uri", req.SourceURI)
	WriteJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID.String()}, h.logger)
}

// remove handles DELETE /api/v1/documents/{id}.
func (h *documentHandler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, KindValidationError, "invalid document ID", h.logger)
		return
	}

	if err := h.documents.Remove(r.Context(), id); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, h.logger)
}
