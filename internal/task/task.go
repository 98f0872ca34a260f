// Package task is the asynchronous execution layer: a Postgres-backed
// queue with at-least-once delivery and a worker pool that drains it.
// Slow work (ingestion, web search) is submitted here by the
// synchronous path and observed through task status polling.
//
// Delivery is at least once: a worker crash mid-attempt leaves a claim
// that expires and the task is handed out again. Handlers must be
// idempotent against their task id and kind.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
//
// Transitions: queued → running → {succeeded | retrying | failed} and
// retrying → queued once the backoff delay has passed. succeeded and
// failed are terminal and never change again.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status never changes again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var (
	// ErrNotFound indicates the task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrTerminal indicates an operation on a task that already
	// reached succeeded or failed.
	ErrTerminal = errors.New("task is terminal")

	// ErrLostClaim indicates the worker's claim was no longer current
	// when it tried to settle the attempt: the visibility timeout
	// expired and the task was handed to someone else.
	ErrLostClaim = errors.New("task claim is no longer held")

	// ErrInvalidTask indicates a submission with no kind or an
	// unmarshalable payload.
	ErrInvalidTask = errors.New("invalid task")
)

// Task is one unit of asynchronous work.
type Task struct {
	ID           uuid.UUID
	Kind         string
	Payload      json.RawMessage
	Status       Status
	AttemptCount int
	MaxAttempts  int
	Result       json.RawMessage
	Error        string
	// ClaimedBy is the lease token of the worker owning the current
	// attempt; settling the attempt requires presenting it back.
	ClaimedBy       string
	ClaimedUntil    time.Time
	CancelRequested bool
	EnqueuedAt      time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// RemainingAttempts is how many more times the task may enter running.
func (t *Task) RemainingAttempts() int {
	if n := t.MaxAttempts - t.AttemptCount; n > 0 {
		return n
	}
	return 0
}

// permanentError marks a handler failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps a handler error so the queue fails the task
// immediately instead of scheduling a retry. Use it for failures that
// repeating cannot fix, such as an unparsable payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling payload: %v", ErrInvalidTask, err)
	}
	return b, nil
}
