package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// RetryConfig bounds the retry loop around model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry policy used for agent
// invocations. It is deliberately tighter than the embedding client's:
// the orchestrator runs its own attempt loop above this one.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
	}
}

// generateWithRetry calls the model with rate limiting on each attempt
// and exponential backoff on transient failures.
func (a *LLMAgent) generateWithRetry(ctx context.Context, opts []ai.GenerateOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := a.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := genkit.Generate(ctx, a.g, opts...)
		if err == nil {
			a.logger.Debug("model call succeeded",
				"agent", a.cfg.Descriptor.Name,
				"attempts", attempt+1, "elapsed", time.Since(start))
			return resp, nil
		}

		lastErr = err
		if !retryableError(err) {
			return nil, err
		}
		if attempt == a.retry.MaxRetries {
			break
		}

		a.logger.Debug("retrying model call",
			"agent", a.cfg.Descriptor.Name,
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay = min(delay*2, a.retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("after %d retries (elapsed %v): %w",
		a.retry.MaxRetries, time.Since(start), lastErr)
}

// retryablePatterns groups transient error substrings by category,
// matched case-insensitively. Provider SDKs expose no typed errors for
// these.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable", "overloaded"},
	{"connection reset", "timeout", "temporary"},
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(msg, sub) {
				return true
			}
		}
	}
	return false
}
