// Package search talks to a SearXNG metasearch instance and fetches
// result pages for downstream summarization and ingestion. The client
// covers the query side, the fetcher covers page download and readable
// text extraction.
package search

import "errors"

var (
	// ErrEmptyQuery reports a blank search query.
	ErrEmptyQuery = errors.New("search query is empty")

	// ErrNoContent reports a fetched page with no extractable text.
	ErrNoContent = errors.New("no readable content")
)

// Result is a single entry returned by the search service.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet,omitempty"`
	Engine  string  `json:"engine,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Page is the readable form of a fetched web page. Flagged carries any
// prompt-injection patterns found in the extracted text; the text is
// still returned so callers can decide how to treat it.
type Page struct {
	URL     string   `json:"url"`
	Title   string   `json:"title,omitempty"`
	Text    string   `json:"text"`
	Flagged []string `json:"flagged,omitempty"`
}

// Failure records a URL that could not be fetched and why.
type Failure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}
