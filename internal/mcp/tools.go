package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/retrieval"
	"github.com/ensembleworks/ensemble/internal/task"
)

// Tool names exposed to MCP clients.
const (
	ToolRetrieve   = "retrieve"
	ToolIngest     = "ingest_document"
	ToolTaskStatus = "task_status"
)

// maxRetrieveTopK caps how many chunks one retrieve call may request.
const maxRetrieveTopK = 50

// RetrieveInput is the input schema for the retrieve tool.
type RetrieveInput struct {
	Query string `json:"query" jsonschema:"The search query to run against the indexed corpus"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"How many chunks to return (default 5, max 50)"`
}

// IngestInput is the input schema for the ingest_document tool.
type IngestInput struct {
	SourceURI string `json:"source_uri,omitempty" jsonschema:"File path or web URL to ingest; optional when content is inline"`
	Content   string `json:"content,omitempty" jsonschema:"Inline document text; optional when source_uri is given"`
	MimeKind  string `json:"mime_kind,omitempty" jsonschema:"Mime kind hint, inferred from the source when omitted"`
}

// TaskStatusInput is the input schema for the task_status tool.
type TaskStatusInput struct {
	TaskID string `json:"task_id" jsonschema:"The task id returned by ingest_document"`
}

// retrievedChunk is one retrieve result entry.
type retrievedChunk struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Content    string  `json:"content"`
	SourceURI  string  `json:"source_uri,omitempty"`
	Score      float64 `json:"score"`
}

// retrieveOutput is the retrieve tool response payload.
type retrieveOutput struct {
	Results  []retrievedChunk `json:"results"`
	Degraded bool             `json:"degraded,omitempty"`
}

// taskStatusOutput is the task_status tool response payload.
type taskStatusOutput struct {
	TaskID            string          `json:"task_id"`
	Kind              string          `json:"kind"`
	Status            string          `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	AttemptsRemaining int             `json:"attempts_remaining"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	EnqueuedAt        string          `json:"enqueued_at"`
	CompletedAt       string          `json:"completed_at,omitempty"`
}

// registerTools registers the tool set on the underlying SDK server.
func (s *Server) registerTools() error {
	retrieveSchema, err := jsonschema.For[RetrieveInput](nil)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", ToolRetrieve, err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: ToolRetrieve,
		Description: "Search the indexed document corpus using hybrid semantic and lexical " +
			"retrieval. Returns the best-matching chunks with provenance and scores.",
		InputSchema: retrieveSchema,
	}, s.Retrieve)

	ingestSchema, err := jsonschema.For[IngestInput](nil)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", ToolIngest, err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: ToolIngest,
		Description: "Enqueue a document for ingestion into the corpus. Accepts a file path, " +
			"a web URL, or inline content. Returns a task id for polling via task_status.",
		InputSchema: ingestSchema,
	}, s.IngestDocument)

	statusSchema, err := jsonschema.For[TaskStatusInput](nil)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", ToolTaskStatus, err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: ToolTaskStatus,
		Description: "Check the status of a background task. Reports progress, attempts, " +
			"and the result or error once the task finishes.",
		InputSchema: statusSchema,
	}, s.TaskStatus)

	return nil
}

// Retrieve handles the retrieve MCP tool call.
func (s *Server) Retrieve(ctx context.Context, _ *mcp.CallToolRequest, in RetrieveInput) (*mcp.CallToolResult, any, error) {
	topK := in.TopK
	if topK > maxRetrieveTopK {
		topK = maxRetrieveTopK
	}

	result, err := s.retriever.Retrieve(ctx, in.Query, retrieval.Options{TopK: topK})
	if err != nil {
		if errors.Is(err, retrieval.ErrEmptyQuery) {
			return errorResult("query is empty"), nil, nil
		}
		if errors.Is(err, retrieval.ErrUnavailable) {
			return errorResult("retrieval is currently unavailable"), nil, nil
		}
		return nil, nil, fmt.Errorf("retrieve failed: %w", err)
	}

	out := retrieveOutput{
		Results:  make([]retrievedChunk, len(result.Contexts)),
		Degraded: result.Degraded,
	}
	for i, c := range result.Contexts {
		out.Results[i] = retrievedChunk{
			DocumentID: c.DocumentID.String(),
			ChunkID:    c.ChunkID.String(),
			Content:    c.Content,
			SourceURI:  c.SourceURI,
			Score:      c.Score,
		}
	}
	return dataToMCP(out, s.logger), nil, nil
}

// IngestDocument handles the ingest_document MCP tool call. Validation
// mirrors the HTTP documents endpoint: reject before enqueueing.
func (s *Server) IngestDocument(ctx context.Context, _ *mcp.CallToolRequest, in IngestInput) (*mcp.CallToolResult, any, error) {
	if in.SourceURI == "" && in.Content == "" {
		return errorResult("either source_uri or content is required"), nil, nil
	}
	if in.SourceURI == "" {
		in.SourceURI = "inline:" + document.HashContent(in.Content)[:16]
	}
	if err := document.ValidateSource(in.SourceURI, len(in.Content)); err != nil {
		return errorResult("%v", err), nil, nil
	}

	t, err := s.tasks.Submit(ctx, task.KindIngestDocument, task.IngestPayload{
		SourceURI: in.SourceURI,
		Content:   in.Content,
		MimeKind:  in.MimeKind,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("enqueueing ingestion: %w", err)
	}

	s.logger.Info("ingestion enqueued via MCP", "task_id", t.ID, "source_uri", in.SourceURI)
	return dataToMCP(map[string]string{"task_id": t.ID.String()}, s.logger), nil, nil
}

// TaskStatus handles the task_status MCP tool call.
func (s *Server) TaskStatus(ctx context.Context, _ *mcp.CallToolRequest, in TaskStatusInput) (*mcp.CallToolResult, any, error) {
	id, err := uuid.Parse(in.TaskID)
	if err != nil {
		return errorResult("invalid task id %q", in.TaskID), nil, nil
	}

	t, err := s.tasks.Status(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return errorResult("task %s not found", id), nil, nil
		}
		return nil, nil, fmt.Errorf("task status: %w", err)
	}

	out := taskStatusOutput{
		TaskID:            t.ID.String(),
		Kind:              t.Kind,
		Status:            string(t.Status),
		AttemptCount:      t.AttemptCount,
		AttemptsRemaining: t.RemainingAttempts(),
		Result:            t.Result,
		Error:             t.Error,
		EnqueuedAt:        t.EnqueuedAt.Format(time.RFC3339),
	}
	if !t.CompletedAt.IsZero() {
		out.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return dataToMCP(out, s.logger), nil, nil
}
