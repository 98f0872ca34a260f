package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/search"
	"github.com/ensembleworks/ensemble/internal/security"
)

// KindIngestDocument is the task kind for document ingestion.
const KindIngestDocument = "ingest_document"

// IngestPayload is the payload of an ingest_document task. Content
// carries inline text; when it is empty the source URI is fetched,
// either from the web or from an allowed filesystem root.
type IngestPayload struct {
	SourceURI string            `json:"source_uri"`
	Content   string            `json:"content,omitempty"`
	MimeKind  string            `json:"mime_kind,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// IngestOutcome is the recorded result of an ingest_document task.
// Warnings carries prompt-injection patterns found in fetched pages;
// the page is indexed regardless so the caller can audit and remove it.
type IngestOutcome struct {
	DocumentID string   `json:"document_id"`
	Created    bool     `json:"created"`
	ChunkCount int      `json:"chunk_count"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Ingestor is the slice of the document pipeline the handler drives.
type Ingestor interface {
	Ingest(ctx context.Context, req document.IngestRequest) (*document.IngestResult, error)
}

// PageFetcher downloads a web page as readable text.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*search.Page, error)
}

// PathResolver vets filesystem sources against the allowed roots.
type PathResolver interface {
	Resolve(path string) (string, error)
}

type ingestHandler struct {
	ingestor Ingestor
	fetcher  PageFetcher
	paths    PathResolver
	logger   log.Logger
}

// NewIngestHandler returns the handler for ingest_document tasks. A nil
// fetcher disables web sources, a nil resolver disables filesystem
// sources; inline content works either way.
func NewIngestHandler(ingestor Ingestor, fetcher PageFetcher, paths PathResolver, logger log.Logger) (Handler, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	h := &ingestHandler{ingestor: ingestor, fetcher: fetcher, paths: paths, logger: logger}
	return h.handle, nil
}

func (h *ingestHandler) handle(ctx context.Context, t *Task, checkpoint Checkpoint) (any, error) {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("decoding ingest payload: %w", err))
	}
	if strings.TrimSpace(payload.SourceURI) == "" {
		return nil, Permanent(fmt.Errorf("%w: source_uri is required", ErrInvalidTask))
	}

	content := payload.Content
	var warnings []string
	if content == "" {
		resolved, flagged, err := h.resolveSource(ctx, payload.SourceURI)
		if err != nil {
			return nil, err
		}
		content = resolved
		warnings = flagged
	}

	// The source is in hand; re-check for cancellation before paying
	// for chunking, embedding, and indexing.
	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	res, err := h.ingestor.Ingest(ctx, document.IngestRequest{
		SourceURI: payload.SourceURI,
		Content:   content,
		MimeKind:  payload.MimeKind,
		Tags:      payload.Tags,
	})
	if err != nil {
		if errors.Is(err, document.ErrInvalidInput) {
			return nil, Permanent(err)
		}
		// Store and embedder failures are worth another attempt.
		return nil, err
	}

	return IngestOutcome{
		DocumentID: res.DocumentID.String(),
		Created:    res.Created,
		ChunkCount: res.ChunkCount,
		Warnings:   warnings,
	}, nil
}

// resolveSource turns a source URI into indexable text. Policy
// rejections are permanent: a URL or path denied today is denied on
// every retry.
func (h *ingestHandler) resolveSource(ctx context.Context, sourceURI string) (string, []string, error) {
	if strings.HasPrefix(sourceURI, "http://") || strings.HasPrefix(sourceURI, "https://") {
		return h.fetchPage(ctx, sourceURI)
	}
	return h.readFile(strings.TrimPrefix(sourceURI, "file://"))
}

func (h *ingestHandler) fetchPage(ctx context.Context, rawURL string) (string, []string, error) {
	if h.fetcher == nil {
		return "", nil, Permanent(fmt.Errorf("%w: web sources are not enabled", ErrInvalidTask))
	}
	page, err := h.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		if errors.Is(err, security.ErrURLDenied) || errors.Is(err, search.ErrNoContent) {
			return "", nil, Permanent(err)
		}
		return "", nil, fmt.Errorf("fetching source: %w", err)
	}
	if len(page.Flagged) > 0 {
		h.logger.Warn("ingesting page with prompt injection patterns",
			"url", rawURL, "patterns", len(page.Flagged))
	}
	return page.Text, page.Flagged, nil
}

func (h *ingestHandler) readFile(path string) (string, []string, error) {
	if h.paths == nil {
		return "", nil, Permanent(fmt.Errorf("%w: filesystem sources are not enabled", ErrInvalidTask))
	}
	real, err := h.paths.Resolve(path)
	if err != nil {
		return "", nil, Permanent(fmt.Errorf("resolving source path: %w", err))
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", nil, fmt.Errorf("inspecting source file: %w", err)
	}
	if info.Size() > document.MaxSourceBytes {
		return "", nil, Permanent(fmt.Errorf("%w: source exceeds %d bytes", document.ErrInvalidInput, document.MaxSourceBytes))
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return "", nil, fmt.Errorf("reading source file: %w", err)
	}
	return string(data), nil, nil
}
