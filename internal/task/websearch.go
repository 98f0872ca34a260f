package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/search"
)

// KindWebSearch is the task kind for asynchronous web searches.
const KindWebSearch = "web_search"

// WebSearchPayload is the payload of a web_search task.
type WebSearchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// WebSearchOutcome is the recorded result of a web_search task.
type WebSearchOutcome struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

// Searcher runs one query against the search service.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
}

type webSearchHandler struct {
	searcher Searcher
	logger   log.Logger
}

// NewWebSearchHandler returns the handler for web_search tasks.
func NewWebSearchHandler(searcher Searcher, logger log.Logger) (Handler, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	h := &webSearchHandler{searcher: searcher, logger: logger}
	return h.handle, nil
}

func (h *webSearchHandler) handle(ctx context.Context, t *Task, _ Checkpoint) (any, error) {
	var payload WebSearchPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("decoding web search payload: %w", err))
	}

	query := strings.TrimSpace(payload.Query)
	if query == "" {
		return nil, Permanent(fmt.Errorf("%w: query is required", ErrInvalidTask))
	}

	results, err := h.searcher.Search(ctx, query, payload.MaxResults)
	if err != nil {
		if errors.Is(err, search.ErrEmptyQuery) {
			return nil, Permanent(err)
		}
		// An unreachable search service is worth another attempt.
		return nil, fmt.Errorf("running search: %w", err)
	}

	h.logger.Info("web search completed", "task_id", t.ID, "query", query, "results", len(results))
	return WebSearchOutcome{Query: query, Results: results}, nil
}
