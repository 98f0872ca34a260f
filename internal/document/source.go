package document

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidInput indicates a source was rejected before ingestion.
var ErrInvalidInput = errors.New("invalid document input")

// MaxSourceBytes caps the size of an ingested source.
const MaxSourceBytes = 10 << 20 // 10 MiB

// mimeKinds maps allowed source extensions to the stored mime kind.
var mimeKinds = map[string]string{
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".html":     "text/html",
	".htm":      "text/html",
	".csv":      "text/csv",
	".json":     "application/json",
}

// ValidateSource rejects unsupported or oversized sources before any work
// is enqueued. Web URIs are always accepted; their payload is validated
// after fetch. A sourceURI without an extension is treated as plain text.
func ValidateSource(sourceURI string, size int) error {
	if strings.TrimSpace(sourceURI) == "" {
		return fmt.Errorf("%w: source URI is empty", ErrInvalidInput)
	}
	if size > MaxSourceBytes {
		return fmt.Errorf("%w: source exceeds %d bytes", ErrInvalidInput, MaxSourceBytes)
	}
	if isWebURI(sourceURI) {
		return nil
	}
	if ext := strings.ToLower(filepath.Ext(sourceURI)); ext != "" {
		if _, ok := mimeKinds[ext]; !ok {
			return fmt.Errorf("%w: unsupported extension %q", ErrInvalidInput, ext)
		}
	}
	return nil
}

// KindFor infers the mime kind for a source URI. Unknown or missing
// extensions default to plain text; web URIs report HTML since the fetcher
// extracts article text from pages.
func KindFor(sourceURI string) string {
	if isWebURI(sourceURI) {
		return "text/html"
	}
	if kind, ok := mimeKinds[strings.ToLower(filepath.Ext(sourceURI))]; ok {
		return kind
	}
	return "text/plain"
}

// HashContent returns the hex SHA-256 of content. The hash is the document
// identity: same source with the same hash is never re-ingested.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func isWebURI(sourceURI string) bool {
	return strings.HasPrefix(sourceURI, "http://") || strings.HasPrefix(sourceURI, "https://")
}
