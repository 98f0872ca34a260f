package app

import (
	"errors"
	"fmt"

	"github.com/ensembleworks/ensemble/internal/api"
	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/mcp"
	"github.com/ensembleworks/ensemble/internal/task"
)

// APIServer assembles the HTTP surface over the app components. The
// concrete fields are checked here; a nil *Orchestrator boxed into the
// ChatService interface would pass the server's own nil checks.
func (a *App) APIServer() (*api.Server, error) {
	if a.Config == nil || a.Orchestrator == nil || a.Conversations == nil || a.Queue == nil {
		return nil, errors.New("app is not initialized")
	}
	return api.NewServer(api.ServerConfig{
		Logger:        a.Logger,
		Chat:          a.Orchestrator,
		Conversations: a.Conversations,
		Tasks:         a.Queue,
		Documents:     a.Ingestor,
		Pool:          a.DBPool,
		QueueProbe:    a.Queue,
		IndexProbe:    a.Index,
		CORSOrigins:   a.Config.CORSOrigins,
		TrustProxy:    a.Config.TrustProxy,
		RateBurst:     a.Config.RateBurst,
	})
}

// WorkerPool assembles the task worker pool with every handler this
// deployment supports. Web search registers only when a search backend
// is configured; ingest always registers, with web and file sources
// enabled by the optional fetcher and path guard.
func (a *App) WorkerPool() (*task.Pool, error) {
	if a.Queue == nil || a.Ingestor == nil {
		return nil, errors.New("app is not initialized")
	}

	// Concrete nils must not become non-nil interfaces.
	var fetcher task.PageFetcher
	if a.Fetcher != nil {
		fetcher = a.Fetcher
	}
	var paths task.PathResolver
	if a.Paths != nil {
		paths = a.Paths
	}

	pool := task.NewPool(a.Queue, poolConfig(a.Config.Queue), a.Logger)

	ingest, err := task.NewIngestHandler(a.Ingestor, fetcher, paths, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating ingest handler: %w", err)
	}
	pool.Register(task.KindIngestDocument, ingest)

	if a.Search != nil {
		webSearch, err := task.NewWebSearchHandler(a.Search, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("creating web search handler: %w", err)
		}
		pool.Register(task.KindWebSearch, webSearch)
	}

	return pool, nil
}

// MCPServer assembles the MCP tool surface over retrieval and the task
// queue.
func (a *App) MCPServer(version string) (*mcp.Server, error) {
	if a.Retriever == nil || a.Queue == nil {
		return nil, errors.New("app is not initialized")
	}
	return mcp.NewServer(mcp.Config{
		Name:      "ensemble",
		Version:   version,
		Retriever: a.Retriever,
		Tasks:     a.Queue,
		Logger:    a.Logger,
	})
}

// poolConfig derives worker tuning from the queue settings. The handler
// deadline stays under the claim visibility window so a slow attempt
// settles before the queue redelivers it.
func poolConfig(cfg config.QueueConfig) task.PoolConfig {
	pc := task.PoolConfig{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval(),
	}
	if v := cfg.VisibilityTimeout(); v > 0 {
		if ht := v * 4 / 5; ht > 0 {
			pc.HandlerTimeout = ht
		}
	}
	return pc
}
