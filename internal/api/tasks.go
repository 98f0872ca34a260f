package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/task"
)

// TaskService is the queue slice the API drives: submission from the
// documents endpoint, status and cancellation from the tasks endpoints.
type TaskService interface {
	Submit(ctx context.Context, kind string, payload any) (*task.Task, error)
	Status(ctx context.Context, id uuid.UUID) (*task.Task, error)
	Cancel(ctx context.Context, id uuid.UUID) (*task.Task, error)
}

// taskHandler serves task status polling and cancellation.
type taskHandler struct {
	tasks  TaskService
	logger log.Logger
}

// taskItem is the JSON representation of a task.
type taskItem struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	Status            string          `json:"status"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	AttemptsRemaining int             `json:"attempts_remaining"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorKind         string          `json:"error_kind,omitempty"`
	CancelRequested   bool            `json:"cancel_requested,omitempty"`
	EnqueuedAt        string          `json:"enqueued_at"`
	StartedAt         string          `json:"started_at,omitempty"`
	CompletedAt       string          `json:"completed_at,omitempty"`
}

// toTaskItem converts a task to its JSON representation. Failures
// recorded by workers surface with the task_handler_error kind.
func toTaskItem(t *task.Task) taskItem {
	item := taskItem{
		ID:                t.ID.String(),
		Kind:              t.Kind,
		Status:            string(t.Status),
		AttemptCount:      t.AttemptCount,
		MaxAttempts:       t.MaxAttempts,
		AttemptsRemaining: t.RemainingAttempts(),
		Result:            t.Result,
		Error:             t.Error,
		CancelRequested:   t.CancelRequested,
		EnqueuedAt:        t.EnqueuedAt.Format(time.RFC3339),
	}
	if t.Error != "" && (t.Status == task.StatusFailed || t.Status == task.StatusRetrying) {
		item.ErrorKind = KindTaskHandlerError
	}
	if !t.StartedAt.IsZero() {
		item.StartedAt = t.StartedAt.Format(time.RFC3339)
	}
	if !t.CompletedAt.IsZero() {
		item.CompletedAt = t.CompletedAt.Format(time.RFC3339)
	}
	return item
}

// status handles GET /api/v1/tasks/{id}.
func (h *taskHandler) status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, KindValidationError, "invalid task ID", h.logger)
		return
	}

	t, err := h.tasks.Status(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, toTaskItem(t), h.logger)
}

// cancel handles DELETE /api/v1/tasks/{id} — side-effect-free while the
// task is still queued, best-effort once it is running, 409 once it is
// terminal.
func (h *taskHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, KindValidationError, "invalid task ID", h.logger)
		return
	}

	t, err := h.tasks.Cancel(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, toTaskItem(t), h.logger)
}
