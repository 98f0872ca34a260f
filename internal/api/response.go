package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ensembleworks/ensemble/internal/agent"
	"github.com/ensembleworks/ensemble/internal/conversation"
	"github.com/ensembleworks/ensemble/internal/document"
	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/retrieval"
	"github.com/ensembleworks/ensemble/internal/task"
)

// Error taxonomy kinds. Synchronous failures carry one of these in the
// error envelope; task-status payloads reuse KindTaskHandlerError for
// failures recorded by workers.
const (
	KindValidationError      = "validation_error"
	KindRetrievalUnavailable = "retrieval_unavailable"
	KindAgentInvocationError = "agent_invocation_error"
	KindTaskHandlerError     = "task_handler_error"
	KindTimeout              = "timeout"
	KindNotFound             = "not_found"
	KindConflict             = "conflict"
	KindRateLimited          = "rate_limited"
	KindInternalError        = "internal_error"
)

// ErrorBody is the JSON error envelope shared by every failing response.
type ErrorBody struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code. Uses a
// buffer-first strategy so headers are only sent after successful
// encoding, which allows returning a proper 500 if encoding fails.
func WriteJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	if logger == nil {
		logger = log.NewNop()
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("encoding JSON response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are common and expected.
		logger.Debug("writing response body", "error", err)
	}
}

// WriteError writes the error envelope with the given taxonomy kind.
func WriteError(w http.ResponseWriter, status int, kind, message string, logger log.Logger) {
	WriteJSON(w, status, ErrorBody{ErrorKind: kind, Message: message}, logger)
}

// WriteDomainError maps a domain error onto the taxonomy envelope.
// Server-side failures (5xx) log the cause and send a generic message
// so provider and backend detail never leaks to callers.
func WriteDomainError(w http.ResponseWriter, err error, logger log.Logger) {
	status, kind := errorKind(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		if logger != nil {
			logger.Error("request failed", "kind", kind, "error", err)
		}
		message = genericMessage(kind)
	}
	WriteError(w, status, kind, message, logger)
}

// errorKind classifies err into an HTTP status and taxonomy kind. The
// agent check runs before the deadline check: an invocation that timed
// out wraps context.DeadlineExceeded, but the turn failed at the agent,
// and that is the more useful answer.
func errorKind(err error) (int, string) {
	var invErr *agent.InvocationError
	switch {
	case errors.As(err, &invErr):
		return http.StatusBadGateway, KindAgentInvocationError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, KindTimeout
	case errors.Is(err, conversation.ErrInvalidTurn),
		errors.Is(err, document.ErrInvalidInput),
		errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, retrieval.ErrEmptyQuery):
		return http.StatusBadRequest, KindValidationError
	case errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, document.ErrNotFound),
		errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, task.ErrTerminal):
		return http.StatusConflict, KindConflict
	case errors.Is(err, retrieval.ErrUnavailable):
		return http.StatusServiceUnavailable, KindRetrievalUnavailable
	default:
		return http.StatusInternalServerError, KindInternalError
	}
}

func genericMessage(kind string) string {
	switch kind {
	case KindRetrievalUnavailable:
		return "retrieval is currently unavailable"
	case KindAgentInvocationError:
		return "agent invocation failed"
	case KindTimeout:
		return "request timed out"
	default:
		return "internal server error"
	}
}
