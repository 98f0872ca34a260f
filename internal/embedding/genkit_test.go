package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
)

// mockEmbedder implements ai.Embedder with scripted responses.
type mockEmbedder struct {
	embedFunc func(req *ai.EmbedRequest) (*ai.EmbedResponse, error)
	callCount int
	lastInput int
}

func (m *mockEmbedder) Name() string            { return "mock-embedder" }
func (m *mockEmbedder) Register(_ api.Registry) {}

func (m *mockEmbedder) Embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.callCount++
	m.lastInput = len(req.Input)
	return m.embedFunc(req)
}

func vectorsFor(req *ai.EmbedRequest, dims int) *ai.EmbedResponse {
	resp := &ai.EmbedResponse{}
	for i := range req.Input {
		vec := make([]float32, dims)
		vec[0] = float32(i + 1)
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond}
}

func TestGenkitClient_EmbedBatch(t *testing.T) {
	mock := &mockEmbedder{
		embedFunc: func(req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			return vectorsFor(req, 3), nil
		},
	}
	client := NewGenkitClient(mock, "embed-test", 3)

	vecs, err := client.EmbedBatch(context.Background(), []string{"first text", "second text"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	// Input order is preserved.
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Errorf("vectors out of order: %v", vecs)
	}
	if mock.callCount != 1 {
		t.Errorf("provider calls = %d, want 1 (batched)", mock.callCount)
	}
	if mock.lastInput != 2 {
		t.Errorf("provider input size = %d, want 2", mock.lastInput)
	}
}

func TestGenkitClient_EmbedBatch_ForwardsProviderOptions(t *testing.T) {
	type providerConfig struct{ OutputDimensionality int32 }

	var seen any
	mock := &mockEmbedder{
		embedFunc: func(req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			seen = req.Options
			return vectorsFor(req, 3), nil
		},
	}
	opts := &providerConfig{OutputDimensionality: 3}
	client := NewGenkitClient(mock, "embed-test", 3, WithProviderOptions(opts))

	if _, err := client.EmbedBatch(context.Background(), []string{"text"}); err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if seen != opts {
		t.Errorf("provider options = %v, want the configured value", seen)
	}
}

func TestGenkitClient_Embed(t *testing.T) {
	mock := &mockEmbedder{
		embedFunc: func(req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			return vectorsFor(req, 4), nil
		},
	}
	client := NewGenkitClient(mock, "embed-test", 4)

	vec, err := client.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("vector width = %d, want 4", len(vec))
	}
}

func TestGenkitClient_EmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEmbedder{
		embedFunc: func(req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			return vectorsFor(req, 3), nil
		},
	}
	client := NewGenkitClient(mock, "embed-test", 3)

	tests := []struct {
		name  string
		texts []string
	}{
		{name: "no texts", texts: nil},
		{name: "empty string", texts: []string{"ok", ""}},
		{name: "whitespace only", texts: []string{"   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.EmbedBatch(context.Background(), tt.texts)
			if !errors.Is(err, ErrEmptyInput) {
				t.Errorf("EmbedBatch() error = %v, want ErrEmptyInput", err)
			}
		})
	}
	if mock.callCount != 0 {
		t.Errorf("provider calls = %d, want 0 for rejected input", mock.callCount)
	}
}

func TestGenkitClient_EmbedBatch_CountMismatch(t *testing.T) {
	mock := &mockEmbedder{
		embedFunc: func(_ *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			return &ai.EmbedResponse{Embeddings: []*ai.Embedding{{Embedding: []float32{1, 2, 3}}}}, nil
		},
	}
	client := NewGenkitClient(mock, "embed-test", 3)

	_, err := client.EmbedBatch(context.Background(), []string{"one", "two"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("EmbedBatch() error = %v, want ErrUnavailable", err)
	}
}

func TestGenkitClient_DimensionMismatch(t *testing.T) {
	mock := &mockEmbedder{
		embedFunc: func(req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			return vectorsFor(req, 2), nil
		},
	}
	client := NewGenkitClient(mock, "embed-test", 768)

	_, err := client.Embed(context.Background(), "text")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Embed() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestGenkitClient_RetriesTransientErrors(t *testing.T) {
	mock := &mockEmbedder{}
	mock.embedFunc = func(req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
		if mock.callCount < 3 {
			return nil, errors.New("503 service unavailable")
		}
		return vectorsFor(req, 3), nil
	}
	client := NewGenkitClient(mock, "embed-test", 3, WithRetryConfig(fastRetry()))

	vec, err := client.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vector width = %d, want 3", len(vec))
	}
	if mock.callCount != 3 {
		t.Errorf("provider calls = %d, want 3", mock.callCount)
	}
}

func TestGenkitClient_PermanentErrorFailsFast(t *testing.T) {
	mock := &mockEmbedder{
		embedFunc: func(_ *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			return nil, errors.New("API key not valid")
		},
	}
	client := NewGenkitClient(mock, "embed-test", 3, WithRetryConfig(fastRetry()))

	_, err := client.Embed(context.Background(), "text")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Embed() error = %v, want ErrUnavailable", err)
	}
	if mock.callCount != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry on permanent error)", mock.callCount)
	}
}

func TestGenkitClient_RetriesExhausted(t *testing.T) {
	mock := &mockEmbedder{
		embedFunc: func(_ *ai.EmbedRequest) (*ai.EmbedResponse, error) {
			return nil, errors.New("connection reset by peer")
		},
	}
	client := NewGenkitClient(mock, "embed-test", 3, WithRetryConfig(fastRetry()))

	_, err := client.Embed(context.Background(), "text")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Embed() error = %v, want ErrUnavailable", err)
	}
	if want := fastRetry().MaxRetries + 1; mock.callCount != want {
		t.Errorf("provider calls = %d, want %d", mock.callCount, want)
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limited", err: errors.New("429 Rate Limit Exceeded"), want: true},
		{name: "server error", err: errors.New("502 bad gateway"), want: true},
		{name: "network", err: errors.New("read: connection reset"), want: true},
		{name: "auth failure", err: errors.New("API key not valid"), want: false},
		{name: "bad request", err: errors.New("invalid argument"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
