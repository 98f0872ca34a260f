// Package api provides the JSON REST server for Ensemble.
//
// # Architecture
//
// The server uses Go 1.22+ routing with a layered middleware stack:
//
//	Recovery → RequestID → Logging → CORS → RateLimit → Routes
//
// Health probes (/health, /ready) bypass the middleware stack via a
// top-level mux, ensuring they remain fast and unauthenticated.
//
// # Endpoints
//
// Health probes (no middleware):
//   - GET /health — liveness, returns {"status":"ok"}
//   - GET /ready  — readiness: database ping, task queue depth,
//     vector index reachability
//
// Chat:
//   - POST /api/v1/chat — run one conversational turn, synchronous
//
// Conversations:
//   - GET /api/v1/conversations/{id} — full history for audit
//
// Documents:
//   - POST   /api/v1/documents      — enqueue ingestion, returns task_id
//   - DELETE /api/v1/documents/{id} — remove document, chunks, vectors
//
// Tasks:
//   - GET    /api/v1/tasks/{id} — status, result, last error,
//     remaining attempts
//   - DELETE /api/v1/tasks/{id} — cancel (side-effect-free while queued)
//
// # Error Handling
//
// Errors use one envelope:
//
//	{"error_kind": "...", "message": "..."}
//
// error_kind is a fixed taxonomy string: validation_error,
// retrieval_unavailable, agent_invocation_error, task_handler_error,
// timeout, not_found, conflict, rate_limited, internal_error. Mapping
// from domain errors happens in one place (WriteDomainError) so every
// handler reports the same kind for the same failure.
//
// # Dependencies
//
// Handlers consume narrow interfaces (ChatService, ConversationReader,
// TaskService, DocumentRemover) declared here, so tests drive the
// routes with hand-rolled fakes and the app wires in the real
// orchestrator, stores, and queue.
package api
