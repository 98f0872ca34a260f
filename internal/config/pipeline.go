package config

import "time"

// RetrievalConfig tunes the retrieval pipeline.
type RetrievalConfig struct {
	// TopK is the default number of results per query.
	TopK int `mapstructure:"top_k" json:"top_k"`

	// RRFK is the reciprocal-rank-fusion smoothing constant. Fused score
	// per chunk is Σ 1/(rank+RRFK) across ranked lists. Must be > 0.
	RRFK int `mapstructure:"rrf_k" json:"rrf_k"`

	// Hybrid enables the lexical signal alongside vector search.
	Hybrid bool `mapstructure:"hybrid" json:"hybrid"`

	// CompressTokenBudget caps the total token count of returned context.
	// 0 disables the compression stage.
	CompressTokenBudget int `mapstructure:"compress_token_budget" json:"compress_token_budget"`

	// ChunkSize is the maximum token length of a chunk.
	ChunkSize int `mapstructure:"chunk_size" json:"chunk_size"`

	// ChunkOverlap is the token overlap window between adjacent chunks.
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`
}

// OrchestratorConfig tunes turn handling.
type OrchestratorConfig struct {
	// HistoryWindow is the number of recent turns passed to classification
	// and agent invocation. Stored history is never truncated.
	HistoryWindow int `mapstructure:"history_window" json:"history_window"`

	// InvokeTimeoutMs bounds a single agent invocation.
	InvokeTimeoutMs int `mapstructure:"invoke_timeout_ms" json:"invoke_timeout_ms"`

	// MaxAttempts bounds recoverable-invocation retries per turn.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`

	// ConfidenceThreshold gates model-based classification; below it the
	// turn falls back to the default agent.
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold" json:"confidence_threshold"`

	// StrictRetrieval fails a turn when retrieval is unavailable instead
	// of answering without context.
	StrictRetrieval bool `mapstructure:"strict_retrieval" json:"strict_retrieval"`
}

// InvokeTimeout returns InvokeTimeoutMs as a duration.
func (o OrchestratorConfig) InvokeTimeout() time.Duration {
	return time.Duration(o.InvokeTimeoutMs) * time.Millisecond
}

// QueueConfig tunes the task queue and worker pool.
type QueueConfig struct {
	// Workers is the worker pool size.
	Workers int `mapstructure:"workers" json:"workers"`

	// PollIntervalMs is the dequeue poll interval when the queue is empty.
	PollIntervalMs int `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`

	// VisibilityTimeoutMs is how long a claimed task stays invisible to
	// other workers before it is considered abandoned and redelivered.
	VisibilityTimeoutMs int `mapstructure:"visibility_timeout_ms" json:"visibility_timeout_ms"`

	// BackoffBaseMs is the first retry delay; each further attempt doubles
	// it up to BackoffCapMs.
	BackoffBaseMs int `mapstructure:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffCapMs  int `mapstructure:"backoff_cap_ms" json:"backoff_cap_ms"`

	// MaxAttempts is the default attempt bound for submitted tasks.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`
}

// PollInterval returns PollIntervalMs as a duration.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// VisibilityTimeout returns VisibilityTimeoutMs as a duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutMs) * time.Millisecond
}

// BackoffBase returns BackoffBaseMs as a duration.
func (q QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns BackoffCapMs as a duration.
func (q QueueConfig) BackoffCap() time.Duration {
	return time.Duration(q.BackoffCapMs) * time.Millisecond
}
