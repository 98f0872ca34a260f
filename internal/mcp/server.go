package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/retrieval"
	"github.com/ensembleworks/ensemble/internal/task"
)

// Retriever is the slice of the retrieval pipeline the MCP server
// exposes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
}

// TaskQueue is the queue slice behind the ingest and status tools.
type TaskQueue interface {
	Submit(ctx context.Context, kind string, payload any) (*task.Task, error)
	Status(ctx context.Context, id uuid.UUID) (*task.Task, error)
}

// Server exposes retrieval and ingestion as MCP tools.
type Server struct {
	mcpServer *mcp.Server
	retriever Retriever
	tasks     TaskQueue
	logger    log.Logger
}

// Config holds MCP server configuration.
type Config struct {
	Name      string
	Version   string
	Retriever Retriever
	Tasks     TaskQueue
	Logger    log.Logger
}

// NewServer creates an MCP server with the tool set registered.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task queue is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, nil)

	s := &Server{
		mcpServer: mcpServer,
		retriever: cfg.Retriever,
		tasks:     cfg.Tasks,
		logger:    logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	return s, nil
}

// Run starts the MCP server on the given transport. Blocks until the
// transport closes or ctx is canceled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}
