// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.ensemble/config.yaml)
//  3. Default values
//
// Categories:
//   - AI: provider, model, classifier model, embedder
//   - Storage: PostgreSQL connection (storage.go)
//   - Retrieval, Orchestrator, Queue: pipeline tuning (pipeline.go)
//   - Search: web search backend and page fetcher (search.go)
//   - Otel: trace export (search.go)
//
// Sensitive values (passwords) are masked in MarshalJSON/String; validation
// is fail-fast in Load.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbeddingDim indicates the embedding dimension is out of range.
	ErrInvalidEmbeddingDim = errors.New("invalid embedding dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidOllamaHost indicates the Ollama host is invalid.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")

	// ErrInvalidRetrieval indicates a retrieval setting is out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval setting")

	// ErrInvalidQueue indicates a task queue setting is out of range.
	ErrInvalidQueue = errors.New("invalid queue setting")

	// ErrInvalidOrchestrator indicates an orchestrator setting is out of range.
	ErrInvalidOrchestrator = errors.New("invalid orchestrator setting")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// DefaultGeminiEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 supports truncation to 768 dimensions via
// OutputDimensionality; the pgvector schema is sized to EmbeddingDim.
const DefaultGeminiEmbedderModel = "gemini-embedding-001"

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider        string  `mapstructure:"provider" json:"provider"`                 // "gemini" (default), "ollama", "openai"
	ModelName       string  `mapstructure:"model_name" json:"model_name"`             // agent model, e.g. "gemini-2.5-flash"
	ClassifierModel string  `mapstructure:"classifier_model" json:"classifier_model"` // empty = same as ModelName
	Temperature     float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Embedding configuration. EmbedderModel doubles as the stored
	// embedding-model identifier on the vector index: a query embedded
	// under a different identifier is rejected as a configuration error.
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbeddingDim  int    `mapstructure:"embedding_dim" json:"embedding_dim"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Pipeline configuration (see pipeline.go)
	Retrieval    RetrievalConfig    `mapstructure:"retrieval" json:"retrieval"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" json:"orchestrator"`
	Queue        QueueConfig        `mapstructure:"queue" json:"queue"`

	// Web search configuration (see search.go)
	Search SearchConfig `mapstructure:"search" json:"search"`

	// Observability configuration (see search.go)
	Otel OtelConfig `mapstructure:"otel" json:"otel"`

	// Serve mode configuration
	ServerAddr  string   `mapstructure:"server_addr" json:"server_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// DataDir holds staged uploads and the instance lock file.
	// Empty = <config dir>/data.
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	configDir, err := Dir()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(configDir, "data")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// Dir returns the configuration directory, honoring ENSEMBLE_CONFIG_DIR.
func Dir() (string, error) {
	if dir := os.Getenv("ENSEMBLE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting user home directory: %w", err)
	}
	return filepath.Join(home, ".ensemble"), nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("classifier_model", "")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Embedding defaults
	viper.SetDefault("embedder_model", DefaultGeminiEmbedderModel)
	viper.SetDefault("embedding_dim", 768)

	// PostgreSQL defaults
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "ensemble")
	viper.SetDefault("postgres_password", "ensemble_dev_password")
	viper.SetDefault("postgres_db_name", "ensemble")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Retrieval defaults
	viper.SetDefault("retrieval.top_k", 5)
	viper.SetDefault("retrieval.rrf_k", 60)
	viper.SetDefault("retrieval.hybrid", true)
	viper.SetDefault("retrieval.compress_token_budget", 0)
	viper.SetDefault("retrieval.chunk_size", 512)
	viper.SetDefault("retrieval.chunk_overlap", 64)

	// Orchestrator defaults
	viper.SetDefault("orchestrator.history_window", 10)
	viper.SetDefault("orchestrator.invoke_timeout_ms", 60000)
	viper.SetDefault("orchestrator.max_attempts", 3)
	viper.SetDefault("orchestrator.confidence_threshold", 0.6)
	viper.SetDefault("orchestrator.strict_retrieval", false)

	// Queue defaults
	viper.SetDefault("queue.workers", 4)
	viper.SetDefault("queue.poll_interval_ms", 1000)
	viper.SetDefault("queue.visibility_timeout_ms", 60000)
	viper.SetDefault("queue.backoff_base_ms", 10000)
	viper.SetDefault("queue.backoff_cap_ms", 300000)
	viper.SetDefault("queue.max_attempts", 3)

	// Search defaults
	viper.SetDefault("search.base_url", "http://localhost:8888")
	viper.SetDefault("search.max_results", 5)
	viper.SetDefault("search.fetch_parallelism", 2)
	viper.SetDefault("search.fetch_delay_ms", 1000)
	viper.SetDefault("search.fetch_timeout_ms", 30000)

	// Otel defaults (endpoint empty = tracing disabled)
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.service_name", "ensemble")
	viper.SetDefault("otel.environment", "dev")

	// Serve defaults
	viper.SetDefault("server_addr", "localhost:8080")
	viper.SetDefault("cors_origins", []string{})
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 60)
}

// bindEnvVariables binds environment overrides explicitly.
// Provider API keys (GEMINI_API_KEY, OPENAI_API_KEY) are read directly by
// the Genkit plugins, not through viper; Validate checks their presence per
// selected provider.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "ENSEMBLE_PROVIDER")
	mustBind("model_name", "ENSEMBLE_MODEL_NAME")
	mustBind("embedder_model", "ENSEMBLE_EMBEDDER_MODEL")
	mustBind("ollama_host", "ENSEMBLE_OLLAMA_HOST")
	mustBind("server_addr", "ENSEMBLE_SERVER_ADDR")
	mustBind("cors_origins", "ENSEMBLE_CORS_ORIGINS")
	mustBind("trust_proxy", "ENSEMBLE_TRUST_PROXY")
	mustBind("rate_burst", "ENSEMBLE_RATE_BURST")
	mustBind("data_dir", "ENSEMBLE_DATA_DIR")
	mustBind("queue.workers", "ENSEMBLE_QUEUE_WORKERS")
	mustBind("search.base_url", "ENSEMBLE_SEARCH_BASE_URL")
	mustBind("otel.endpoint", "ENSEMBLE_OTEL_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 bytes or
// fewer are fully masked; longer ones keep the first and last 2 characters
// for debug utility. This defends against accidental logging, not against
// a compromised log store.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. Masked: PostgresPassword.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "ollama/llama3.3", "openai/gpt-4o".
// A ModelName already containing "/" is returned as-is.
func (c *Config) FullModelName() string {
	return c.qualifyModel(c.ModelName)
}

// FullClassifierModelName returns the provider-qualified classifier model,
// falling back to the agent model when unset.
func (c *Config) FullClassifierModelName() string {
	if c.ClassifierModel == "" {
		return c.FullModelName()
	}
	return c.qualifyModel(c.ClassifierModel)
}

func (c *Config) qualifyModel(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + name
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + name
	default:
		return ProviderGoogleAI + "/" + name
	}
}
