package task

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/log"
)

// Pool defaults.
const (
	DefaultWorkers      = 4
	DefaultPollInterval = time.Second
	// DefaultHandlerTimeout stays under the claim visibility window so
	// an attempt settles before its lease can expire.
	DefaultHandlerTimeout = 4 * time.Minute

	settleTimeout = 10 * time.Second
)

// Checkpoint is the cancellation probe handed to handlers. Long-running
// handlers call it at points where stopping is safe; it returns
// ErrCanceled once cancellation has been requested.
type Checkpoint func(ctx context.Context) error

// Handler executes one task attempt. The returned value is marshaled
// and stored as the task result. A plain error schedules a retry under
// the queue's backoff policy; wrap with Permanent to fail immediately.
type Handler func(ctx context.Context, t *Task, check Checkpoint) (any, error)

// Claimer is the queue surface a pool consumes.
type Claimer interface {
	Claim(ctx context.Context, workerID string) (*Task, error)
	Complete(ctx context.Context, id uuid.UUID, token string, result any) (*Task, error)
	Fail(ctx context.Context, id uuid.UUID, token string, taskErr error) (*Task, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent workers; each owns at most
	// one task at a time.
	Workers int
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
	// HandlerTimeout is the per-attempt deadline. Keep it under the
	// queue's visibility window, or a slow attempt can be redelivered
	// while still running.
	HandlerTimeout time.Duration
}

// Pool drains the queue with a fixed set of workers. Handler failures
// and panics are recorded on the task and never crash a worker.
type Pool struct {
	queue    Claimer
	handlers map[string]Handler
	cfg      PoolConfig
	logger   log.Logger
	wg       sync.WaitGroup
}

// NewPool creates a pool over queue. Handlers are registered with
// Register before Run.
func NewPool(queue Claimer, cfg PoolConfig, logger log.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pool{
		queue:    queue,
		handlers: make(map[string]Handler),
		cfg:      cfg,
		logger:   logger,
	}
}

// Register binds a handler to a task kind. Not safe to call after Run
// has started.
func (p *Pool) Register(kind string, h Handler) {
	if _, exists := p.handlers[kind]; exists {
		p.logger.Warn("replacing task handler", "kind", kind)
	}
	p.handlers[kind] = h
}

// Run starts the workers and blocks until ctx is canceled and every
// worker has drained. A worker that finishes an attempt during
// shutdown still settles it; attempts lost to a process death are
// redelivered after their claim expires.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return errors.New("no task handlers registered")
	}
	p.logger.Info("worker pool starting",
		"workers", p.cfg.Workers,
		"kinds", slices.Sorted(maps.Keys(p.handlers)))

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.worker(ctx, fmt.Sprintf("worker-%d", n))
		}(i)
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		t, err := p.queue.Claim(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claiming task", "worker", workerID, "error", err)
			p.idle(ctx)
			continue
		}
		if t == nil {
			p.idle(ctx)
			continue
		}
		p.handle(ctx, t)
	}
}

func (p *Pool) handle(ctx context.Context, t *Task) {
	h, ok := p.handlers[t.Kind]
	if !ok {
		p.settleFail(ctx, t, Permanent(fmt.Errorf("no handler registered for kind %q", t.Kind)))
		return
	}
	if t.CancelRequested {
		p.settleFail(ctx, t, Permanent(ErrCanceled))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	result, err := p.invoke(hctx, h, t)
	cancel()
	if err != nil {
		p.settleFail(ctx, t, err)
		return
	}
	p.settleComplete(ctx, t, result)
}

// invoke runs the handler with panic containment: a panicking handler
// fails its attempt like any other error instead of taking the worker
// down.
func (p *Pool) invoke(ctx context.Context, h Handler, t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task handler panicked",
				"task_id", t.ID, "kind", t.Kind,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t, p.checkpoint(t.ID))
}

// checkpoint builds the cancellation probe for one task. Probe errors
// are swallowed: a flaky status read must never kill real work.
func (p *Pool) checkpoint(id uuid.UUID) Checkpoint {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		flagged, err := p.queue.CancelRequested(ctx, id)
		if err != nil {
			p.logger.Warn("cancellation check failed", "task_id", id, "error", err)
			return nil
		}
		if flagged {
			return ErrCanceled
		}
		return nil
	}
}

// Settling is detached from the caller's cancellation: work that
// finished during shutdown still gets recorded.

func (p *Pool) settleComplete(ctx context.Context, t *Task, result any) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if _, err := p.queue.Complete(sctx, t.ID, t.ClaimedBy, result); err != nil {
		p.logger.Error("settling completed task",
			"task_id", t.ID, "kind", t.Kind, "error", err)
	}
}

func (p *Pool) settleFail(ctx context.Context, t *Task, taskErr error) {
	if errors.Is(taskErr, ErrCanceled) && !IsPermanent(taskErr) {
		taskErr = Permanent(taskErr)
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if _, err := p.queue.Fail(sctx, t.ID, t.ClaimedBy, taskErr); err != nil {
		p.logger.Error("settling failed task",
			"task_id", t.ID, "kind", t.Kind, "error", err)
	}
}

func (p *Pool) idle(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
