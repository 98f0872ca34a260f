// Package mcp implements a Model Context Protocol (MCP) server.
//
// The server exposes the retrieval pipeline and the ingestion queue to
// external MCP clients (Genkit CLI, editors, other agents) over a
// standard transport, stdio by default.
//
// # Supported Tools
//
//   - retrieve: hybrid semantic and lexical search over the indexed
//     corpus, returning chunks with provenance and scores
//   - ingest_document: validate a source and enqueue ingestion,
//     returning a task id
//   - task_status: poll a background task
//
// # Tool Handler Pattern
//
// Each tool defines an input struct with jsonschema tags, infers its
// schema with jsonschema.For, and registers a typed handler via
// mcp.AddTool. Handlers build responses inline, in the manner of
// net/http.Handler: no conversion layer between the domain and the
// protocol.
//
// # Error Handling
//
// Handlers distinguish two failure classes:
//
//   - Client mistakes (empty query, unknown task id, unsupported
//     source) return a result with IsError=true so the calling model
//     can read the message and correct itself.
//   - Infrastructure failures (store down, queue unreachable) return a
//     Go error, which the SDK reports as a protocol-level failure.
//
// Error text sent to clients never carries file paths, addresses, or
// backend detail.
package mcp
