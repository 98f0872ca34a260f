package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ensembleworks/ensemble/internal/log"
)

// ErrCanceled is recorded on tasks stopped by cancellation.
var ErrCanceled = errors.New("task canceled")

// Queue defaults.
const (
	DefaultMaxAttempts = 3
	DefaultVisibility  = 5 * time.Minute
	DefaultRetryBase   = 10 * time.Second
	DefaultRetryCap    = 5 * time.Minute
)

// DB is the database access contract consumed by Queue. Every
// transition is a single atomic statement, so no transactions are
// needed.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config tunes queue behavior.
type Config struct {
	// MaxAttempts is how many times a submitted task may enter
	// running before it permanently fails.
	MaxAttempts int
	// Visibility is the claim lease: a worker that does not settle
	// within it loses the task to redelivery.
	Visibility time.Duration
	// RetryBase and RetryCap bound the exponential backoff between
	// attempts: base × 2^attempt, capped.
	RetryBase time.Duration
	RetryCap  time.Duration
}

// Queue is the Postgres task queue. All methods are safe for
// concurrent use; claims hand out each task to at most one live worker
// via FOR UPDATE SKIP LOCKED plus a per-claim lease token.
type Queue struct {
	db     DB
	cfg    Config
	logger log.Logger
}

// NewQueue creates a queue over db.
func NewQueue(db DB, cfg Config, logger log.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Queue{db: db, cfg: cfg, logger: logger}
}

const taskColumns = `id, kind, payload, status, attempt_count, max_attempts,
	result, error, claimed_by, claimed_until, cancel_requested,
	enqueued_at, started_at, completed_at`

// Qualified for UPDATE ... FROM joins, where bare column names would be
// ambiguous.
const taskColumnsQualified = `tasks.id, tasks.kind, tasks.payload, tasks.status,
	tasks.attempt_count, tasks.max_attempts, tasks.result, tasks.error,
	tasks.claimed_by, tasks.claimed_until, tasks.cancel_requested,
	tasks.enqueued_at, tasks.started_at, tasks.completed_at`

// Submit enqueues work and returns immediately. The payload is stored
// as JSON for the handler registered under kind.
func (q *Queue) Submit(ctx context.Context, kind string, payload any) (*Task, error) {
	if strings.TrimSpace(kind) == "" {
		return nil, fmt.Errorf("%w: empty kind", ErrInvalidTask)
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	t, err := scanTask(q.db.QueryRow(ctx, `
		INSERT INTO tasks (id, kind, payload, max_attempts)
		VALUES ($1, $2, $3, $4)
		RETURNING `+taskColumns,
		uuid.New(), kind, raw, q.cfg.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("submitting task: %w", err)
	}
	q.logger.Info("task submitted", "task_id", t.ID, "kind", t.Kind)
	return t, nil
}

// Status returns the task, including last error and attempt counts.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting task: %w", err)
	}
	return t, nil
}

// Cancel stops a task. One that has not started is failed in place with
// no side effects; a running one only gets the cancellation flag set,
// observed by the owning worker at its next checkpoint. Canceling a
// terminal task is ErrTerminal.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (*Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'retrying')
		RETURNING `+taskColumns, id, ErrCanceled.Error()))
	if err == nil {
		q.logger.Info("task canceled", "task_id", id)
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("canceling task: %w", err)
	}

	t, err = scanTask(q.db.QueryRow(ctx, `
		UPDATE tasks SET cancel_requested = TRUE
		WHERE id = $1 AND status = 'running'
		RETURNING `+taskColumns, id))
	if err == nil {
		q.logger.Info("task cancellation requested", "task_id", id)
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("canceling task: %w", err)
	}

	if _, err := q.Status(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrTerminal
}

// Claim leases the next due task for the visibility window. Due retries
// are promoted back to queued first, and expired claims with no
// attempts left are failed rather than re-handed. Returns nil with no
// error when nothing is due.
//
// A task enters running only while attempt_count < max_attempts, which
// keeps the attempt bound even across crash redeliveries.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Task, error) {
	if _, err := q.db.Exec(ctx, `
		UPDATE tasks SET status = 'queued'
		WHERE status = 'retrying' AND run_after <= now()`); err != nil {
		return nil, fmt.Errorf("promoting due retries: %w", err)
	}
	if _, err := q.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', error = 'worker lost with no attempts left',
		    claimed_by = NULL, claimed_until = NULL, completed_at = now()
		WHERE status = 'running' AND claimed_until < now()
		  AND attempt_count >= max_attempts`); err != nil {
		return nil, fmt.Errorf("failing expired claims: %w", err)
	}

	// One lease token per claim, not per worker: a worker re-claiming
	// a task it previously lost must not be able to settle the old
	// attempt with the new token.
	token := workerID + "/" + uuid.NewString()
	t, err := scanTask(q.db.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM tasks
			WHERE attempt_count < max_attempts
			  AND ((status = 'queued' AND run_after <= now())
			       OR (status = 'running' AND claimed_until < now()))
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks SET
			status = 'running',
			attempt_count = tasks.attempt_count + 1,
			claimed_by = $1,
			claimed_until = now() + make_interval(secs => $2),
			started_at = now()
		FROM next
		WHERE tasks.id = next.id
		RETURNING `+taskColumnsQualified,
		token, q.cfg.Visibility.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	q.logger.Debug("task claimed",
		"task_id", t.ID, "kind", t.Kind,
		"attempt", t.AttemptCount, "worker", workerID)
	return t, nil
}

// Complete settles a successful attempt with an optional result. The
// claim token must still be current; a stale one is ErrLostClaim and
// the result is discarded, since the task was re-handed to someone
// else.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID, token string, result any) (*Task, error) {
	var raw json.RawMessage
	if result != nil {
		var err error
		if raw, err = marshalPayload(result); err != nil {
			return nil, err
		}
	}

	t, err := scanTask(q.db.QueryRow(ctx, `
		UPDATE tasks SET
			status = 'succeeded', result = $3, error = NULL,
			claimed_by = NULL, claimed_until = NULL, completed_at = now()
		WHERE id = $1 AND status = 'running' AND claimed_by = $2
		RETURNING `+taskColumns, id, token, raw))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, q.settleMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("completing task: %w", err)
	}
	q.logger.Info("task succeeded",
		"task_id", t.ID, "kind", t.Kind, "attempts", t.AttemptCount)
	return t, nil
}

// Fail settles a failed attempt. With attempts left and a retryable
// error the task moves to retrying with exponential backoff
// (base × 2^attempt, capped); a Permanent error, a requested
// cancellation, or exhausted attempts fail it for good.
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, token string, taskErr error) (*Task, error) {
	if taskErr == nil {
		taskErr = errors.New("unspecified failure")
	}
	permanent := IsPermanent(taskErr)

	t, err := scanTask(q.db.QueryRow(ctx, `
		UPDATE tasks SET
			status = CASE WHEN $3 OR cancel_requested OR attempt_count >= max_attempts
			         THEN 'failed' ELSE 'retrying' END,
			error = $4,
			run_after = CASE WHEN $3 OR cancel_requested OR attempt_count >= max_attempts
			            THEN run_after
			            ELSE now() + make_interval(secs => least($5 * power(2::float8, attempt_count), $6)) END,
			completed_at = CASE WHEN $3 OR cancel_requested OR attempt_count >= max_attempts
			               THEN now() ELSE NULL END,
			claimed_by = NULL, claimed_until = NULL
		WHERE id = $1 AND status = 'running' AND claimed_by = $2
		RETURNING `+taskColumns,
		id, token, permanent, taskErr.Error(),
		q.cfg.RetryBase.Seconds(), q.cfg.RetryCap.Seconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, q.settleMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failing task: %w", err)
	}
	q.logger.Warn("task attempt failed",
		"task_id", t.ID, "kind", t.Kind, "status", t.Status,
		"attempt", t.AttemptCount, "remaining", t.RemainingAttempts(),
		"error", taskErr)
	return t, nil
}

// CancelRequested reports whether cancellation was requested. Handlers
// poll it at safe checkpoints of long-running work.
func (q *Queue) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := q.db.QueryRow(ctx,
		`SELECT cancel_requested FROM tasks WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("checking cancellation: %w", err)
	}
	return flag, nil
}

// Depth reports how many tasks are waiting to run (queued or backing
// off before a retry). Serves the readiness probe.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status IN ('queued', 'retrying')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending tasks: %w", err)
	}
	return n, nil
}

// settleMiss explains why a settle did not match: unknown task,
// already-terminal task, or a claim lost to the visibility timeout.
func (q *Queue) settleMiss(ctx context.Context, id uuid.UUID) error {
	t, err := q.Status(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: status %s", ErrTerminal, t.Status)
	}
	return ErrLostClaim
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t            Task
		status       string
		payload      []byte
		result       []byte
		taskErr      pgtype.Text
		claimedBy    pgtype.Text
		claimedUntil pgtype.Timestamptz
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)
	err := row.Scan(&t.ID, &t.Kind, &payload, &status, &t.AttemptCount,
		&t.MaxAttempts, &result, &taskErr, &claimedBy, &claimedUntil,
		&t.CancelRequested, &t.EnqueuedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	t.Result = result
	t.Status = Status(status)
	t.Error = taskErr.String
	t.ClaimedBy = claimedBy.String
	t.ClaimedUntil = claimedUntil.Time
	t.StartedAt = startedAt.Time
	t.CompletedAt = completedAt.Time
	return &t, nil
}
