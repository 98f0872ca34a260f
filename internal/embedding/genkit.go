package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/ensembleworks/ensemble/internal/log"
)

// RetryConfig bounds the retry loop around provider calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry policy used for embedding calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// GenkitClient implements Client on a genkit ai.Embedder.
type GenkitClient struct {
	embedder     ai.Embedder
	modelID      string
	dims         int
	providerOpts any
	limiter      *rate.Limiter
	retry        RetryConfig
	logger       log.Logger
}

// Option customizes a GenkitClient.
type Option func(*GenkitClient)

// WithRateLimiter sets a proactive request limiter shared across calls.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *GenkitClient) { c.limiter = l }
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *GenkitClient) { c.retry = rc }
}

// WithLogger sets the client logger.
func WithLogger(l log.Logger) Option {
	return func(c *GenkitClient) { c.logger = l }
}

// WithProviderOptions forwards provider-specific request options, such
// as a *genai.EmbedContentConfig pinning the output dimensionality on
// Gemini embedders.
func WithProviderOptions(opts any) Option {
	return func(c *GenkitClient) { c.providerOpts = opts }
}

// NewGenkitClient wraps a provider embedder. modelID names the provider
// model; dims is the expected vector width and every response is checked
// against it.
func NewGenkitClient(embedder ai.Embedder, modelID string, dims int, opts ...Option) *GenkitClient {
	c := &GenkitClient{
		embedder: embedder,
		modelID:  modelID,
		dims:     dims,
		limiter:  rate.NewLimiter(10, 30),
		retry:    DefaultRetryConfig(),
		logger:   log.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *GenkitClient) ModelID() string { return c.modelID }

func (c *GenkitClient) Dimensions() int { return c.dims }

// Embed returns the vector for one text.
func (c *GenkitClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one provider request, preserving input
// order. Any empty text rejects the whole batch before the provider is
// called.
func (c *GenkitClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts", ErrEmptyInput)
	}

	docs := make([]*ai.Document, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: text %d", ErrEmptyInput, i)
		}
		docs = append(docs, ai.DocumentFromText(text, nil))
	}

	resp, err := c.embedWithRetry(ctx, &ai.EmbedRequest{Input: docs, Options: c.providerOpts})
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			ErrUnavailable, len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at %d", ErrUnavailable, i)
		}
		if c.dims > 0 && len(emb.Embedding) != c.dims {
			return nil, fmt.Errorf("%w: model %q returned %d dimensions, configured %d",
				ErrDimensionMismatch, c.modelID, len(emb.Embedding), c.dims)
		}
		vecs[i] = emb.Embedding
	}
	return vecs, nil
}

// embedWithRetry calls the provider with rate limiting on each attempt and
// exponential backoff on transient failures.
func (c *GenkitClient) embedWithRetry(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	var lastErr error
	delay := c.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := c.embedder.Embed(ctx, req)
		if err == nil {
			c.logger.Debug("embedded batch",
				"model", c.modelID, "texts", len(req.Input),
				"attempts", attempt+1, "elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !retryableError(err) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Debug("retrying embedding call",
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("%w: after %d retries (elapsed %v): %w",
		ErrUnavailable, c.retry.MaxRetries, time.Since(start), lastErr)
}

// retryablePatterns groups transient error substrings by category, matched
// case-insensitively. Provider SDKs expose no typed errors for these.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(msg, sub) {
				return true
			}
		}
	}
	return false
}
