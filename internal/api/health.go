package api

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ensembleworks/ensemble/internal/log"
)

// QueueProber reports how many tasks are waiting to run.
type QueueProber interface {
	Depth(ctx context.Context) (int64, error)
}

// IndexProber reports how many vector records are indexed.
type IndexProber interface {
	Count(ctx context.Context) (int64, error)
}

// health handles GET /health — liveness only, no dependency checks.
func health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
}

// readinessHandler checks the dependencies a serving instance needs:
// the database, the task queue, and the vector index. Nil probes are
// skipped so partial deployments (API without workers) stay ready.
type readinessHandler struct {
	pool   *pgxpool.Pool
	queue  QueueProber
	index  IndexProber
	logger log.Logger
}

// ready handles GET /ready.
func (h *readinessHandler) ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.pool != nil {
		if err := h.pool.Ping(ctx); err != nil {
			h.notReady(w, "database unreachable", err)
			return
		}
	}

	body := map[string]any{"status": "ready"}

	if h.queue != nil {
		depth, err := h.queue.Depth(ctx)
		if err != nil {
			h.notReady(w, "task queue unreachable", err)
			return
		}
		body["queue_depth"] = depth
	}

	if h.index != nil {
		records, err := h.index.Count(ctx)
		if err != nil {
			h.notReady(w, "vector index unreachable", err)
			return
		}
		body["indexed_records"] = records
	}

	WriteJSON(w, http.StatusOK, body, h.logger)
}

func (h *readinessHandler) notReady(w http.ResponseWriter, reason string, err error) {
	h.logger.Error("readiness check failed", "reason", reason, "error", err)
	WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": "not_ready",
		"reason": reason,
	}, h.logger)
}
