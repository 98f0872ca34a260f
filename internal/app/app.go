// Package app assembles the ensemble components into a running
// application.
//
// Setup builds the full dependency graph — database pool, Genkit
// provider, embedding client, vector index, retrieval pipeline,
// stores, task queue and orchestrator — and returns it as an App.
// Entry points pick the slice they need: APIServer for serve mode,
// WorkerPool for worker mode, MCPServer for the stdio tool surface.
// Call Close to release everything in reverse order.
package app

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ensembleworks/ensemble/internal/config"
	"github.com/ensembleworks/ensemble/internal/conversation"
	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/index"
	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/orchestrator"
	"github.com/ensembleworks/ensemble/internal/retrieval"
	"github.com/ensembleworks/ensemble/internal/search"
	"github.com/ensembleworks/ensemble/internal/security"
	"github.com/ensembleworks/ensemble/internal/task"
)

// App is the application container. Fields are populated by Setup and
// shared by every entry point; none are safe to replace after Setup
// returns.
type App struct {
	Config *config.Config
	Logger log.Logger

	// Provider layer.
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	// Domain components.
	Conversations *conversation.Store
	Documents     *document.Store
	Ingestor      *document.Ingestor
	Index         *index.Store
	Retriever     *retrieval.Pipeline
	Queue         *task.Queue
	Orchestrator  *orchestrator.Orchestrator

	// Web search, nil when search.base_url is unset.
	Search  *search.Client
	Fetcher *search.Fetcher

	// Filesystem policy for file: ingest sources.
	Paths *security.PathGuard

	dbCleanup   func()
	otelCleanup func()
}

// Close releases held resources. Safe on a partially initialized App:
// Setup calls it when construction fails midway.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.dbCleanup != nil {
		a.dbCleanup()
	}
	// Trace flush last, so spans from the teardown itself still export.
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
