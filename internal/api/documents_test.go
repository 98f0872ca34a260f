package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/task"
)

func submittedPayload(t *testing.T, tasks *fakeTasks) task.IngestPayload {
	t.Helper()
	if len(tasks.submitted) != 1 {
		t.Fatalf("%d tasks submitted, want 1", len(tasks.submitted))
	}
	payload, ok := tasks.submitted[0].payload.(task.IngestPayload)
	if !ok {
		t.Fatalf("payload is %T, want task.IngestPayload", tasks.submitted[0].payload)
	}
	return payload
}

func TestDocuments_Submit(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, ServerConfig{Tasks: tasks})

	body := `{"source_uri":"https://example.com/handbook.md","mime_kind":"markdown","tags":{"team":"platform"}}`
	w := doRequest(t, srv, http.MethodPost, "/api/v1/documents", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusAccepted, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, err := uuid.Parse(resp["task_id"]); err != nil {
		t.Errorf("task_id = %q, want a UUID", resp["task_id"])
	}

	if tasks.submitted[0].kind != task.KindIngestDocument {
		t.Errorf("kind = %q, want %q", tasks.submitted[0].kind, task.KindIngestDocument)
	}
	payload := submittedPayload(t, tasks)
	if payload.SourceURI != "https://example.com/handbook.md" {
		t.Errorf("payload source_uri = %q", payload.SourceURI)
	}
	if payload.MimeKind != "markdown" {
		t.Errorf("payload mime_kind = %q", payload.MimeKind)
	}
	if payload.Tags["team"] != "platform" {
		t.Errorf("payload tags = %v", payload.Tags)
	}
}

func TestDocuments_Submit_InlineContent(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, ServerConfig{Tasks: tasks})

	w := doRequest(t, srv, http.MethodPost, "/api/v1/documents", `{"content":"# Onboarding\nWelcome aboard."}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusAccepted, w.Body.String())
	}

	payload := submittedPayload(t, tasks)
	if !strings.HasPrefix(payload.SourceURI, "inline:") {
		t.Errorf("synthesized source_uri = %q, want inline: prefix", payload.SourceURI)
	}

	// The identity is derived from the content, so the same text gets
	// the same URI and ingestion stays idempotent.
	tasks2 := &fakeTasks{}
	srv2 := newTestServer(t, ServerConfig{Tasks: tasks2})
	doRequest(t, srv2, http.MethodPost, "/api/v1/documents", `{"content":"# Onboarding\nWelcome aboard."}`)

	if got := submittedPayload(t, tasks2).SourceURI; got != payload.SourceURI {
		t.Errorf("same content produced different URIs: %q vs %q", got, payload.SourceURI)
	}
}

func TestDocuments_Submit_RequiresSourceOrContent(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, ServerConfig{Tasks: tasks})

	w := doRequest(t, srv, http.MethodPost, "/api/v1/documents", `{"mime_kind":"markdown"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if body := decodeError(t, w); body.ErrorKind != KindValidationError {
		t.Errorf("error_kind = %q, want %q", body.ErrorKind, KindValidationError)
	}
	if len(tasks.submitted) != 0 {
		t.Error("task submitted despite empty request")
	}
}

func TestDocuments_Submit_UnsupportedSource(t *testing.T) {
	tasks := &fakeTasks{}
	srv := newTestServer(t, ServerConfig{Tasks: tasks})

	w := doRequest(t, srv, http.MethodPost, "/api/v1/documents", `{"source_uri":"/tmp/tool.exe"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusBadRequest, w.Body.String())
	}
	if len(tasks.submitted) != 0 {
		t.Error("task submitted for an unsupported source")
	}
}

func TestDocuments_Submit_QueueFailure(t *testing.T) {
	tasks := &fakeTasks{submitErr: errors.New("connection refused")}
	srv := newTestServer(t, ServerConfig{Tasks: tasks})

	w := doRequest(t, srv, http.MethodPost, "/api/v1/documents", `{"source_uri":"https://example.com/a.md"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	// Infrastructure detail stays server-side.
	if body := decodeError(t, w); strings.Contains(body.Message, "connection refused") {
		t.Errorf("message %q leaked the backend error", body.Message)
	}
}

func TestDocuments_Remove(t *testing.T) {
	remover := &fakeRemover{}
	srv := newTestServer(t, ServerConfig{Documents: remover})

	id := uuid.New()
	w := doRequest(t, srv, http.MethodDelete, "/api/v1/documents/"+id.String(), "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	if len(remover.got) != 1 || remover.got[0] != id {
		t.Errorf("remover got %v, want [%s]", remover.got, id)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "deleted" {
		t.Errorf("status field = %q, want deleted", resp["status"])
	}
}

func TestDocuments_Remove_NotFound(t *testing.T) {
	remover := &fakeRemover{err: fmt.Errorf("deleting document: %w", document.ErrNotFound)}
	srv := newTestServer(t, ServerConfig{Documents: remover})

	w := doRequest(t, srv, http.MethodDelete, "/api/v1/documents/"+uuid.NewString(), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := decodeError(t, w); body.ErrorKind != KindNotFound {
		t.Errorf("error_kind = %q, want %q", body.ErrorKind, KindNotFound)
	}
}

func TestDocuments_Remove_InvalidID(t *testing.T) {
	remover := &fakeRemover{}
	srv := newTestServer(t, ServerConfig{Documents: remover})

	w := doRequest(t, srv, http.MethodDelete, "/api/v1/documents/not-a-uuid", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(remover.got) != 0 {
		t.Error("remover invoked despite invalid id")
	}
}
