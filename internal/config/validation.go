package config

import (
	"fmt"
	"os"
	"strings"
)

// validSSLModes are the PostgreSQL sslmode values pgx accepts.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate performs fail-fast validation of the whole configuration.
// Returns a wrapped sentinel error for the first violation found.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q (expected gemini, ollama, or openai)", ErrInvalidProvider, c.Provider)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model is empty", ErrInvalidEmbedderModel)
	}
	if c.EmbeddingDim < 1 || c.EmbeddingDim > 8192 {
		return fmt.Errorf("%w: %d (expected 1..8192)", ErrInvalidEmbeddingDim, c.EmbeddingDim)
	}

	if c.Provider == ProviderOllama && strings.TrimSpace(c.OllamaHost) == "" {
		return fmt.Errorf("%w: ollama host is empty", ErrInvalidOllamaHost)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("%w: top_k must be >= 1, got %d", ErrInvalidRetrieval, c.Retrieval.TopK)
	}
	if c.Retrieval.RRFK < 1 {
		return fmt.Errorf("%w: rrf_k must be >= 1, got %d", ErrInvalidRetrieval, c.Retrieval.RRFK)
	}
	if c.Retrieval.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be >= 1, got %d", ErrInvalidRetrieval, c.Retrieval.ChunkSize)
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d", ErrInvalidRetrieval, c.Retrieval.ChunkOverlap)
	}
	if c.Retrieval.CompressTokenBudget < 0 {
		return fmt.Errorf("%w: compress_token_budget must be >= 0, got %d", ErrInvalidRetrieval, c.Retrieval.CompressTokenBudget)
	}

	if c.Orchestrator.HistoryWindow < 1 {
		return fmt.Errorf("%w: history_window must be >= 1, got %d", ErrInvalidOrchestrator, c.Orchestrator.HistoryWindow)
	}
	if c.Orchestrator.InvokeTimeoutMs < 1 {
		return fmt.Errorf("%w: invoke_timeout_ms must be >= 1, got %d", ErrInvalidOrchestrator, c.Orchestrator.InvokeTimeoutMs)
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", ErrInvalidOrchestrator, c.Orchestrator.MaxAttempts)
	}
	if c.Orchestrator.ConfidenceThreshold < 0 || c.Orchestrator.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence_threshold must be in [0,1], got %g", ErrInvalidOrchestrator, c.Orchestrator.ConfidenceThreshold)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalidQueue, c.Queue.Workers)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", ErrInvalidQueue, c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBaseMs < 1 || c.Queue.BackoffCapMs < c.Queue.BackoffBaseMs {
		return fmt.Errorf("%w: backoff base/cap invalid (%d/%d)", ErrInvalidQueue, c.Queue.BackoffBaseMs, c.Queue.BackoffCapMs)
	}
	if c.Queue.VisibilityTimeoutMs < 1 {
		return fmt.Errorf("%w: visibility_timeout_ms must be >= 1, got %d", ErrInvalidQueue, c.Queue.VisibilityTimeoutMs)
	}
	if c.Queue.PollIntervalMs < 1 {
		return fmt.Errorf("%w: poll_interval_ms must be >= 1, got %d", ErrInvalidQueue, c.Queue.PollIntervalMs)
	}

	return nil
}

// ValidateServe performs additional checks for service mode, including
// provider API key presence (keys are read by the Genkit plugins directly,
// so only their existence is checked here).
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}

	switch c.Provider {
	case ProviderGemini:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("GEMINI_API_KEY not set (required for provider %q)", c.Provider)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("OPENAI_API_KEY not set (required for provider %q)", c.Provider)
		}
	}

	if strings.TrimSpace(c.ServerAddr) == "" {
		return fmt.Errorf("server_addr is empty")
	}

	return nil
}
