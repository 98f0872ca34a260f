// Package index stores and searches chunk embeddings in PostgreSQL with
// pgvector. It serves the vector leg (cosine ANN) and the lexical leg
// (full-text rank) of retrieval; fusion happens in the retrieval pipeline.
package index

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrModelMismatch indicates a record or query was produced by a
	// different embedding model than the index is configured for. Vectors
	// across models are not comparable, so this fails fast.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrDimensionMismatch indicates a vector width differs from the
	// configured embedding dimensions.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrRecordNotFound indicates no record exists for the chunk.
	ErrRecordNotFound = errors.New("vector record not found")
)

// VectorRecord is one embedded chunk. Records are keyed by chunk ID:
// re-embedding replaces the stored vector and bumps Version, while
// IngestedAt keeps the first ingestion time.
type VectorRecord struct {
	ChunkID    uuid.UUID
	Embedding  []float32
	Payload    map[string]string
	ModelID    string
	Version    int64
	IngestedAt time.Time
}

// ScoredRecord is a search hit with its relevance score. Score semantics
// depend on the leg: cosine similarity for vector search, text rank for
// lexical search. Higher is always more relevant.
type ScoredRecord struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Content    string
	Payload    map[string]string
	Score      float64
	IngestedAt time.Time
}
