package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/ensembleworks/ensemble/db"
	"github.com/ensembleworks/ensemble/internal/agent"
	"github.com/ensembleworks/ensemble/internal/classify"
	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/conversation"
	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/embedding"
	"github.com/ensembleworks/ensemble/internal/index"
	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/observability"
	"github.com/ensembleworks/ensemble/internal/orchestrator"
	"github.com/ensembleworks/ensemble/internal/retrieval"
	"github.com/ensembleworks/ensemble/internal/search"
	"github.com/ensembleworks/ensemble/internal/security"
	"github.com/ensembleworks/ensemble/internal/task"
)

// Setup creates and initializes the application. The returned App owns
// every resource it holds; call Close to release them. On error,
// everything initialized up to the failure point is already cleaned up.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing first: Genkit captures its TracerProvider at Init.
	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, dbCleanup, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.dbCleanup = dbCleanup
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	embedClient := provideEmbeddingClient(embedder, cfg, logger)

	a.Index = index.NewStore(pool, cfg.EmbedderModel, cfg.EmbeddingDim, logger)
	a.Retriever = retrieval.New(embedClient, a.Index, retrieval.Config{
		TopK:                cfg.Retrieval.TopK,
		RRFK:                cfg.Retrieval.RRFK,
		Hybrid:              cfg.Retrieval.Hybrid,
		CompressTokenBudget: cfg.Retrieval.CompressTokenBudget,
	}, logger)

	a.Conversations = conversation.NewStore(pool, logger)
	a.Documents = document.NewStore(pool, logger)
	chunker := document.NewChunker(document.ChunkerConfig{
		MaxTokens: cfg.Retrieval.ChunkSize,
		Overlap:   cfg.Retrieval.ChunkOverlap,
	})
	a.Ingestor = document.NewIngestor(a.Documents, chunker, embedClient, a.Index, logger)

	a.Queue = task.NewQueue(pool, task.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Visibility:  cfg.Queue.VisibilityTimeout(),
		RetryBase:   cfg.Queue.BackoffBase(),
		RetryCap:    cfg.Queue.BackoffCap(),
	}, logger)

	if cfg.Search.BaseURL != "" {
		searcher, fetcher, err := provideSearch(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Search = searcher
		a.Fetcher = fetcher
	}

	paths, err := security.NewPathGuard([]string{cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("creating path guard: %w", err)
	}
	a.Paths = paths

	orch, err := provideOrchestrator(g, cfg, a.Retriever, a.Conversations, logger)
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orch

	return a, nil
}

// provideOtelShutdown enables OTLP trace export before Genkit
// initialization and returns the teardown closure. Tracing failures
// degrade to a no-op; they never block startup.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Otel.Environment,
	}, logger)
	if err != nil {
		logger.Warn("setting up tracing, continuing without", "error", err)
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and opens the PostgreSQL connection
// pool every store shares.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}

// provideGenkit initializes Genkit with the configured AI provider.
// Supports gemini (default), ollama and openai.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderGemini
	}

	var g *genkit.Genkit

	switch provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no auto-discovery; models and embedders are
		// registered explicitly.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit",
			"provider", provider, "model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized genkit", "provider", provider, "model", cfg.ModelName)

	default: // gemini
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit", "provider", provider, "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider
// plugin. Each provider keys embedders differently: gemini by model
// name, ollama by server address, openai by registry name.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default: // gemini
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideEmbeddingClient wraps the provider embedder with the retry,
// rate-limit and dimension-check layer the index depends on. Gemini
// embedders emit 3072 dimensions unless pinned to the configured width.
func provideEmbeddingClient(embedder ai.Embedder, cfg *config.Config, logger log.Logger) *embedding.GenkitClient {
	opts := []embedding.Option{embedding.WithLogger(logger)}
	if cfg.Provider == "" || cfg.Provider == config.ProviderGemini {
		dim := int32(cfg.EmbeddingDim)
		opts = append(opts, embedding.WithProviderOptions(&genai.EmbedContentConfig{
			OutputDimensionality: &dim,
		}))
	}
	return embedding.NewGenkitClient(embedder, cfg.EmbedderModel, cfg.EmbeddingDim, opts...)
}

// provideSearch builds the SearXNG client and the guarded page fetcher
// for the web_search task kind.
func provideSearch(cfg *config.Config, logger log.Logger) (*search.Client, *search.Fetcher, error) {
	client, err := search.NewClient(search.ClientConfig{
		BaseURL: cfg.Search.BaseURL,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating search client: %w", err)
	}

	fetcher, err := search.NewFetcher(search.FetcherConfig{
		Parallelism: cfg.Search.FetchParallelism,
		Delay:       cfg.Search.FetchDelay(),
		Timeout:     cfg.Search.FetchTimeout(),
	}, security.NewURLGuard(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating page fetcher: %w", err)
	}

	return client, fetcher, nil
}

// provideOrchestrator wires the agent variants, the classifier and the
// turn loop. All variants share one request limiter; they sit behind
// the same provider quota.
func provideOrchestrator(g *genkit.Genkit, cfg *config.Config, retriever orchestrator.Retriever, conversations orchestrator.Conversations, logger log.Logger) (*orchestrator.Orchestrator, error) {
	modelName := cfg.FullModelName()
	limiter := rate.NewLimiter(10, 30)
	agentOpts := []agent.LLMOption{
		agent.WithLogger(logger),
		agent.WithRateLimiter(limiter),
	}

	general, err := agent.NewGeneralAgent(g, modelName, agentOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating general agent: %w", err)
	}
	docqa, err := agent.NewDocQAAgent(g, modelName, agentOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating docqa agent: %w", err)
	}
	research, err := agent.NewResearchAgent(g, modelName, agentOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating research agent: %w", err)
	}

	registry, err := agent.NewRegistry(general, docqa, research)
	if err != nil {
		return nil, fmt.Errorf("creating agent registry: %w", err)
	}

	classifier := classify.NewModel(g, cfg.FullClassifierModelName(), classify.WithLogger(logger))

	orch, err := orchestrator.New(registry, classifier, retriever, conversations, orchestrator.Config{
		HistoryWindow:       cfg.Orchestrator.HistoryWindow,
		MaxAttempts:         cfg.Orchestrator.MaxAttempts,
		ConfidenceThreshold: cfg.Orchestrator.ConfidenceThreshold,
		InvokeTimeout:       cfg.Orchestrator.InvokeTimeout(),
		StrictRetrieval:     cfg.Orchestrator.StrictRetrieval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	return orch, nil
}
