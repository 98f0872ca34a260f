package document

import (
	"time"

	"github.com/google/uuid"
)

// Status tracks a document through the ingestion lifecycle.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Document is an ingested source. Immutable once ingested: re-ingestion
// with changed content produces a new document row with a new content
// hash, it never mutates an existing one.
type Document struct {
	ID          uuid.UUID
	SourceURI   string
	ContentHash string
	MimeKind    string
	Status      Status
	Error       string
	Tags        map[string]string
	CreatedAt   time.Time
}

// Chunk is a bounded text segment of a document, the unit of embedding and
// retrieval. Chunks of one document form a contiguous ordered sequence by
// SequenceIndex; their text spans may overlap by the configured window.
type Chunk struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	SequenceIndex int
	Content       string
	TokenCount    int
	CreatedAt     time.Time
}
