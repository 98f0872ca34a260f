package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/search"
	"github.com/ensembleworks/ensemble/internal/security"
)

type fakeIngestor struct {
	req   document.IngestRequest
	res   *document.IngestResult
	err   error
	calls int
}

func (f *fakeIngestor) Ingest(_ context.Context, req document.IngestRequest) (*document.IngestResult, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &document.IngestResult{DocumentID: uuid.New(), Created: true, ChunkCount: 1}, nil
}

type fakePageFetcher struct {
	page *search.Page
	err  error
	urls []string
}

func (f *fakePageFetcher) Fetch(_ context.Context, rawURL string) (*search.Page, error) {
	f.urls = append(f.urls, rawURL)
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

type fakePathResolver struct {
	err   error
	paths []string
}

func (f *fakePathResolver) Resolve(path string) (string, error) {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return "", f.err
	}
	return path, nil
}

func ingestTask(t *testing.T, payload IngestPayload) *Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	return &Task{ID: uuid.New(), Kind: KindIngestDocument, Payload: raw, MaxAttempts: 3}
}

func noopCheck(context.Context) error { return nil }

func TestNewIngestHandler_RequiresIngestor(t *testing.T) {
	if _, err := NewIngestHandler(nil, nil, nil, nil); err == nil {
		t.Fatal("NewIngestHandler(nil) succeeded, want error")
	}
}

func TestIngestHandler_InlineContent(t *testing.T) {
	ing := &fakeIngestor{res: &document.IngestResult{DocumentID: uuid.New(), Created: true, ChunkCount: 3}}
	handler, err := NewIngestHandler(ing, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewIngestHandler() error = %v", err)
	}

	payload := IngestPayload{
		SourceURI: "notes/design.md",
		Content:   "Pinned design notes.",
		MimeKind:  "text/markdown",
		Tags:      map[string]string{"team": "platform"},
	}
	result, err := handler(context.Background(), ingestTask(t, payload), noopCheck)
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if ing.req.Content != "Pinned design notes." {
		t.Errorf("ingested content = %q", ing.req.Content)
	}
	if ing.req.SourceURI != "notes/design.md" || ing.req.MimeKind != "text/markdown" {
		t.Errorf("request = %+v", ing.req)
	}
	if ing.req.Tags["team"] != "platform" {
		t.Errorf("tags = %v", ing.req.Tags)
	}

	outcome, ok := result.(IngestOutcome)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	if outcome.DocumentID != ing.res.DocumentID.String() {
		t.Errorf("DocumentID = %s", outcome.DocumentID)
	}
	if !outcome.Created || outcome.ChunkCount != 3 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestIngestHandler_BadPayloadPermanent(t *testing.T) {
	handler, _ := NewIngestHandler(&fakeIngestor{}, nil, nil, nil)

	task := &Task{ID: uuid.New(), Kind: KindIngestDocument, Payload: json.RawMessage(`{broken`)}
	_, err := handler(context.Background(), task, noopCheck)
	if !IsPermanent(err) {
		t.Fatalf("error = %v, want permanent: retrying cannot fix a bad payload", err)
	}
}

func TestIngestHandler_MissingSourceURI(t *testing.T) {
	handler, _ := NewIngestHandler(&fakeIngestor{}, nil, nil, nil)

	_, err := handler(context.Background(), ingestTask(t, IngestPayload{Content: "text"}), noopCheck)
	if !IsPermanent(err) || !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("error = %v, want permanent ErrInvalidTask", err)
	}
}

func TestIngestHandler_FetchesWebSource(t *testing.T) {
	ing := &fakeIngestor{}
	fetcher := &fakePageFetcher{page: &search.Page{
		URL:     "https://example.com/post",
		Title:   "Post",
		Text:    "Readable article text.",
		Flagged: []string{"ignore previous instructions"},
	}}
	handler, _ := NewIngestHandler(ing, fetcher, nil, nil)

	payload := IngestPayload{SourceURI: "https://example.com/post"}
	result, err := handler(context.Background(), ingestTask(t, payload), noopCheck)
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	if len(fetcher.urls) != 1 || fetcher.urls[0] != "https://example.com/post" {
		t.Errorf("fetched urls = %v", fetcher.urls)
	}
	if ing.req.Content != "Readable article text." {
		t.Errorf("ingested content = %q", ing.req.Content)
	}

	outcome := result.(IngestOutcome)
	if len(outcome.Warnings) != 1 {
		t.Errorf("Warnings = %v, want the flagged pattern surfaced", outcome.Warnings)
	}
}

func TestIngestHandler_WebSourceDisabled(t *testing.T) {
	handler, _ := NewIngestHandler(&fakeIngestor{}, nil, nil, nil)

	_, err := handler(context.Background(), ingestTask(t, IngestPayload{SourceURI: "https://example.com"}), noopCheck)
	if !IsPermanent(err) {
		t.Fatalf("error = %v, want permanent when no fetcher is wired", err)
	}
}

func TestIngestHandler_DeniedURLPermanent(t *testing.T) {
	fetcher := &fakePageFetcher{err: fmt.Errorf("blocked url: %w", security.ErrURLDenied)}
	handler, _ := NewIngestHandler(&fakeIngestor{}, fetcher, nil, nil)

	_, err := handler(context.Background(), ingestTask(t, IngestPayload{SourceURI: "https://169.254.169.254/"}), noopCheck)
	if !IsPermanent(err) {
		t.Fatalf("error = %v, want permanent: a denied URL stays denied", err)
	}
}

func TestIngestHandler_TransientFetchRetries(t *testing.T) {
	fetcher := &fakePageFetcher{err: errors.New("connection refused")}
	handler, _ := NewIngestHandler(&fakeIngestor{}, fetcher, nil, nil)

	_, err := handler(context.Background(), ingestTask(t, IngestPayload{SourceURI: "https://example.com"}), noopCheck)
	if err == nil || IsPermanent(err) {
		t.Fatalf("error = %v, want retryable", err)
	}
}

func TestIngestHandler_FileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte("quarterly numbers"), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, uri := range []string{path, "file://" + path} {
		t.Run(uri, func(t *testing.T) {
			ing := &fakeIngestor{}
			paths := &fakePathResolver{}
			handler, _ := NewIngestHandler(ing, nil, paths, nil)

			_, err := handler(context.Background(), ingestTask(t, IngestPayload{SourceURI: uri}), noopCheck)
			if err != nil {
				t.Fatalf("handle() error = %v", err)
			}
			if ing.req.Content != "quarterly numbers" {
				t.Errorf("ingested content = %q", ing.req.Content)
			}
			if len(paths.paths) != 1 || paths.paths[0] != path {
				t.Errorf("resolved paths = %v, want %q without the scheme", paths.paths, path)
			}
		})
	}
}

func TestIngestHandler_FileSourceDisabled(t *testing.T) {
	handler, _ := NewIngestHandler(&fakeIngestor{}, nil, nil, nil)

	_, err := handler(context.Background(), ingestTask(t, IngestPayload{SourceURI: "/etc/notes.txt"}), noopCheck)
	if !IsPermanent(err) {
		t.Fatalf("error = %v, want permanent when no resolver is wired", err)
	}
}

func TestIngestHandler_PathDeniedPermanent(t *testing.T) {
	paths := &fakePathResolver{err: fmt.Errorf("outside allowed roots: %w", security.ErrPathDenied)}
	handler, _ := NewIngestHandler(&fakeIngestor{}, nil, paths, nil)

	_, err := handler(context.Background(), ingestTask(t, IngestPayload{SourceURI: "/etc/passwd"}), noopCheck)
	if !IsPermanent(err) {
		t.Fatalf("error = %v, want permanent for a policy rejection", err)
	}
}

func TestIngestHandler_OversizedFilePermanent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.txt")
	if err := os.WriteFile(path, make([]byte, document.MaxSourceBytes+1), 0o600); err != nil {
		t.Fatal(err)
	}

	ing := &fakeIngestor{}
	handler, _ := NewIngestHandler(ing, nil, &fakePathResolver{}, nil)

	_, err := handler(context.Background(), ingestTask(t, IngestPayload{SourceURI: path}), noopCheck)
	if !IsPermanent(err) || !errors.Is(err, document.ErrInvalidInput) {
		t.Fatalf("error = %v, want permanent ErrInvalidInput", err)
	}
	if ing.calls != 0 {
		t.Error("oversized source must be rejected before ingestion")
	}
}

func TestIngestHandler_CheckpointCancels(t *testing.T) {
	ing := &fakeIngestor{}
	handler, _ := NewIngestHandler(ing, nil, nil, nil)

	canceled := func(context.Context) error { return ErrCanceled }
	payload := IngestPayload{SourceURI: "notes/a.txt", Content: "text"}
	_, err := handler(context.Background(), ingestTask(t, payload), canceled)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("error = %v, want ErrCanceled", err)
	}
	if ing.calls != 0 {
		t.Error("canceled task must not reach the ingestor")
	}
}

func TestIngestHandler_InvalidInputPermanent(t *testing.T) {
	ing := &fakeIngestor{err: fmt.Errorf("%w: unsupported extension", document.ErrInvalidInput)}
	handler, _ := NewIngestHandler(ing, nil, nil, nil)

	payload := IngestPayload{SourceURI: "virus.exe", Content: "MZ"}
	_, err := handler(context.Background(), ingestTask(t, payload), noopCheck)
	if !IsPermanent(err) {
		t.Fatalf("error = %v, want permanent for rejected input", err)
	}
}

func TestIngestHandler_StoreErrorRetries(t *testing.T) {
	ing := &fakeIngestor{err: errors.New("storing chunks: connection reset")}
	handler, _ := NewIngestHandler(ing, nil, nil, nil)

	payload := IngestPayload{SourceURI: "notes/a.txt", Content: "text"}
	_, err := handler(context.Background(), ingestTask(t, payload), noopCheck)
	if err == nil || IsPermanent(err) {
		t.Fatalf("error = %v, want retryable for a store failure", err)
	}
}

func TestIngestHandler_ContentSkipsFetching(t *testing.T) {
	fetcher := &fakePageFetcher{err: errors.New("should not be called")}
	ing := &fakeIngestor{}
	handler, _ := NewIngestHandler(ing, fetcher, nil, nil)

	payload := IngestPayload{SourceURI: "https://example.com/cached", Content: "already resolved"}
	if _, err := handler(context.Background(), ingestTask(t, payload), noopCheck); err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if len(fetcher.urls) != 0 {
		t.Error("inline content must not trigger a fetch")
	}
	if !strings.Contains(ing.req.Content, "already resolved") {
		t.Errorf("ingested content = %q", ing.req.Content)
	}
}
