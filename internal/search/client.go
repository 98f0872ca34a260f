package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/internal/log"
)

const (
	// DefaultMaxResults is the result count returned when the caller
	// does not ask for a specific number.
	DefaultMaxResults = 10

	// MaxResults caps how many results a single query may request.
	MaxResults = 25

	// DefaultSearchTimeout bounds a single query round trip.
	DefaultSearchTimeout = 15 * time.Second

	// maxSearchResponse bounds the JSON body read from the search
	// service.
	maxSearchResponse = 2 << 20
)

// ClientConfig configures the search client.
type ClientConfig struct {
	// BaseURL is the root of the SearXNG instance, e.g.
	// http://searxng:8080. Required.
	BaseURL string

	// Timeout bounds each query. Defaults to DefaultSearchTimeout.
	Timeout time.Duration
}

// Client queries a SearXNG instance over its JSON API.
//
// The base URL is operator-configured and commonly points at a private
// deployment, so requests to it bypass the outbound URL policy that
// governs fetched result pages.
type Client struct {
	baseURL string
	http    *http.Client
	logger  log.Logger
}

// NewClient builds a search client for the given instance.
func NewClient(cfg ClientConfig, logger log.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("search base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSearchTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

// searxResponse mirrors the fields we read from SearXNG's JSON format.
type searxResponse struct {
	Results []struct {
		URL     string  `json:"url"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
		Engine  string  `json:"engine"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one query and returns up to limit results. A limit
// outside (0, MaxResults] falls back to DefaultMaxResults.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 || limit > MaxResults {
		limit = DefaultMaxResults
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying search service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search service returned %s", resp.Status)
	}

	var body searxResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSearchResponse)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	results := make([]Result, 0, limit)
	for _, r := range body.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Engine:  r.Engine,
			Score:   r.Score,
		})
		if len(results) == limit {
			break
		}
	}

	c.logger.Debug("search completed", "query", query, "results", len(results))
	return results, nil
}
