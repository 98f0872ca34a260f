// Package embedding turns text into vectors through a configured provider
// model. The Client interface keeps callers independent of the provider;
// the genkit implementation adds rate limiting and transient-error retry.
package embedding

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates the embedding backend cannot be reached or
	// keeps failing after retries. Callers degrade or surface retrieval
	// unavailability; they do not crash.
	ErrUnavailable = errors.New("embedding backend unavailable")

	// ErrEmptyInput indicates an empty or whitespace-only text. Embedding
	// of empty text is always rejected, never silently zero-vectored.
	ErrEmptyInput = errors.New("embedding input is empty")

	// ErrDimensionMismatch indicates the provider returned vectors of a
	// different width than configured. This is a configuration error.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Client produces embeddings under a stable model identity.
type Client interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// ModelID identifies the embedding model. Vectors from different
	// model IDs are never comparable.
	ModelID() string
	// Dimensions is the configured vector width.
	Dimensions() int
}
