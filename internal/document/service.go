package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/embedding"
	"github.com/ensembleworks/ensemble/internal/index"
	"github.com/ensembleworks/ensemble/internal/log"
)

// VectorWriter is the slice of the vector index the ingest service needs.
type VectorWriter interface {
	Upsert(ctx context.Context, records []index.VectorRecord) error
	Delete(ctx context.Context, chunkIDs []uuid.UUID) error
}

// Ingestor runs the full ingestion path: validate, persist, chunk, embed,
// index. It is driven by the ingest task handler, never by request
// goroutines directly.
type Ingestor struct {
	store    *Store
	chunker  *Chunker
	embedder embedding.Client
	vectors  VectorWriter
	logger   log.Logger
}

// NewIngestor wires the ingestion path.
func NewIngestor(store *Store, chunker *Chunker, embedder embedding.Client, vectors VectorWriter, logger log.Logger) *Ingestor {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Ingestor{store: store, chunker: chunker, embedder: embedder, vectors: vectors, logger: logger}
}

// IngestRequest carries resolved source text. Fetching (files, web pages)
// happens before ingestion; by this point Content is the text to index.
type IngestRequest struct {
	SourceURI string
	Content   string
	MimeKind  string
	Tags      map[string]string
}

// IngestResult reports what ingestion did.
type IngestResult struct {
	DocumentID uuid.UUID
	// Created is false when the same source and content hash were already
	// ingested and nothing was written.
	Created    bool
	ChunkCount int
}

// Ingest runs the pipeline for one source. Unchanged content (same source
// URI and content hash) is a no-op. Two concurrent ingests of the same
// content converge on one document with one chunk set and one vector
// record per chunk.
func (ing *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := ValidateSource(req.SourceURI, len(req.Content)); err != nil {
		return nil, err
	}

	hash := HashContent(req.Content)

	if existing, err := ing.store.FindByHash(ctx, req.SourceURI, hash); err == nil {
		if existing.Status == StatusProcessed {
			ing.logger.Info("content unchanged, skipping ingestion",
				"source_uri", req.SourceURI, "document_id", existing.ID)
			return &IngestResult{DocumentID: existing.ID, Created: false}, nil
		}
		// A previous attempt failed or is racing; resume on the same row.
		return ing.process(ctx, existing, req)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("checking existing document: %w", err)
	}

	mimeKind := req.MimeKind
	if mimeKind == "" {
		mimeKind = KindFor(req.SourceURI)
	}
	doc := &Document{
		ID:          uuid.New(),
		SourceURI:   req.SourceURI,
		ContentHash: hash,
		MimeKind:    mimeKind,
		Status:      StatusPending,
		Tags:        req.Tags,
	}

	created, err := ing.store.Create(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}
	if !created {
		// Lost an insert race; the winner's row carries the work.
		winner, err := ing.store.FindByHash(ctx, req.SourceURI, hash)
		if err != nil {
			return nil, fmt.Errorf("resolving concurrent ingest: %w", err)
		}
		doc = winner
	}

	res, err := ing.process(ctx, doc, req)
	if err != nil {
		return res, err
	}
	res.Created = created || res.Created
	return res, nil
}

// process chunks, embeds, and indexes a document, tracking its status.
// It re-reads the stored chunk rows after insertion so concurrent runs
// embed one canonical chunk set instead of each writing their own.
func (ing *Ingestor) process(ctx context.Context, doc *Document, req IngestRequest) (*IngestResult, error) {
	if err := ing.store.UpdateStatus(ctx, doc.ID, StatusProcessing, ""); err != nil {
		return nil, fmt.Errorf("marking document processing: %w", err)
	}

	res, err := ing.index(ctx, doc, req)
	if err != nil {
		if stErr := ing.store.UpdateStatus(ctx, doc.ID, StatusFailed, err.Error()); stErr != nil {
			ing.logger.Error("recording ingestion failure", "document_id", doc.ID, "error", stErr)
		}
		return nil, err
	}

	if err := ing.store.UpdateStatus(ctx, doc.ID, StatusProcessed, ""); err != nil {
		return nil, fmt.Errorf("marking document processed: %w", err)
	}
	return res, nil
}

func (ing *Ingestor) index(ctx context.Context, doc *Document, req IngestRequest) (*IngestResult, error) {
	texts := ing.chunker.Split(req.Content)
	if len(texts) == 0 {
		// An empty document exists but retrieval never sees it.
		ing.logger.Info("document has no indexable text", "document_id", doc.ID)
		return &IngestResult{DocumentID: doc.ID, Created: true, ChunkCount: 0}, nil
	}

	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{
			ID:            uuid.New(),
			DocumentID:    doc.ID,
			SequenceIndex: i,
			Content:       text,
			TokenCount:    CountTokens(text),
		}
	}
	if err := ing.store.InsertChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("storing chunks: %w", err)
	}

	// The stored rows are canonical: under a concurrent duplicate ingest
	// only one writer's chunk IDs survive the conflict-free insert.
	stored, err := ing.store.ListChunks(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("reading stored chunks: %w", err)
	}

	contents := make([]string, len(stored))
	for i, ch := range stored {
		contents[i] = ch.Content
	}
	vecs, err := ing.embedder.EmbedBatch(ctx, contents)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}

	records := make([]index.VectorRecord, len(stored))
	for i, ch := range stored {
		records[i] = index.VectorRecord{
			ChunkID:   ch.ID,
			Embedding: vecs[i],
			Payload:   recordPayload(doc),
			ModelID:   ing.embedder.ModelID(),
		}
	}
	if err := ing.vectors.Upsert(ctx, records); err != nil {
		return nil, fmt.Errorf("indexing chunks: %w", err)
	}

	ing.logger.Info("document ingested",
		"document_id", doc.ID, "source_uri", doc.SourceURI, "chunks", len(stored))
	return &IngestResult{DocumentID: doc.ID, Created: true, ChunkCount: len(stored)}, nil
}

// Remove deletes a document, its chunks, and its vector records.
func (ing *Ingestor) Remove(ctx context.Context, documentID uuid.UUID) error {
	chunks, err := ing.store.ListChunks(ctx, documentID)
	if err != nil {
		return fmt.Errorf("listing chunks for removal: %w", err)
	}
	ids := make([]uuid.UUID, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	if err := ing.vectors.Delete(ctx, ids); err != nil {
		return fmt.Errorf("removing vector records: %w", err)
	}
	if err := ing.store.Delete(ctx, documentID); err != nil {
		return err
	}
	ing.logger.Info("document removed", "document_id", documentID, "chunks", len(chunks))
	return nil
}

func recordPayload(doc *Document) map[string]string {
	payload := make(map[string]string, len(doc.Tags)+2)
	for k, v := range doc.Tags {
		payload[k] = v
	}
	payload["source_uri"] = doc.SourceURI
	payload["document_id"] = doc.ID.String()
	return payload
}
