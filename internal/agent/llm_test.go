package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/retrieval"
	"github.com/ensembleworks/ensemble/internal/testutil"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

// newTestAgent wires an LLMAgent to a mock model on a fresh genkit
// instance.
func newTestAgent(t *testing.T, m *testutil.MockLLM, opts ...LLMOption) *LLMAgent {
	t.Helper()

	g := genkit.Init(context.Background())
	modelName := m.Register(g, "agent-under-test")

	base := []LLMOption{WithRetryConfig(fastRetry())}
	a, err := NewLLMAgent(g, LLMConfig{
		Descriptor: Descriptor{
			Name:           "general",
			CapabilityTags: []string{TagGeneralChat},
			Priority:       1,
			Latency:        time.Second,
		},
		ModelName:    modelName,
		SystemPrompt: "stay factual",
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewLLMAgent() error: %v", err)
	}
	return a
}

func TestNewLLMAgent_Validation(t *testing.T) {
	t.Parallel()

	g := genkit.Init(context.Background())

	if _, err := NewLLMAgent(g, LLMConfig{ModelName: "mock/x"}); err == nil {
		t.Error("NewLLMAgent() without a name should fail")
	}
	if _, err := NewLLMAgent(g, LLMConfig{Descriptor: Descriptor{Name: "general"}}); err == nil {
		t.Error("NewLLMAgent() without a model should fail")
	}
}

func TestLLMAgent_Invoke_ReturnsModelText(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("fallback")
	m.Respond("capital of france", "Paris.")
	a := newTestAgent(t, m)

	history := []*ai.Message{
		ai.NewUserMessage(ai.NewTextPart("earlier question")),
		ai.NewModelMessage(ai.NewTextPart("earlier answer")),
	}
	resp, err := a.Invoke(context.Background(), &Request{
		Message: "What is the capital of France?",
		History: history,
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if resp.Text != "Paris." {
		t.Errorf("Invoke().Text = %q, want %q", resp.Text, "Paris.")
	}

	reqs := m.Requests()
	if len(reqs) != 1 {
		t.Fatalf("model calls = %d, want 1", len(reqs))
	}
	msgs := reqs[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("model saw %d messages, want 4 (system + history + user)", len(msgs))
	}
	if msgs[0].Role != ai.RoleSystem || msgs[0].Text() != "stay factual" {
		t.Errorf("first message = %s %q, want the system prompt", msgs[0].Role, msgs[0].Text())
	}
	if msgs[1].Text() != "earlier question" || msgs[2].Text() != "earlier answer" {
		t.Error("history should precede the new user message in order")
	}
	if msgs[3].Role != ai.RoleUser {
		t.Errorf("last message role = %s, want user", msgs[3].Role)
	}
}

func TestLLMAgent_Invoke_InjectsRetrievedContext(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("answered")
	a := newTestAgent(t, m)

	docID := uuid.New()
	_, err := a.Invoke(context.Background(), &Request{
		Message: "How is the cache invalidated?",
		Contexts: []retrieval.Context{
			{ChunkID: uuid.New(), DocumentID: docID, Content: "The cache is flushed on deploy.", SourceURI: "docs/cache.md"},
			{ChunkID: uuid.New(), DocumentID: docID, Content: "TTL is sixty seconds."},
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}

	prompt := testutil.LastUserText(m.Requests()[0])
	for _, want := range []string{
		"[1] docs/cache.md",
		"The cache is flushed on deploy.",
		"[2] document " + docID.String(),
		"TTL is sixty seconds.",
		"Question: How is the cache invalidated?",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("rendered prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestLLMAgent_Invoke_EmptyMessage(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("never")
	a := newTestAgent(t, m)

	_, err := a.Invoke(context.Background(), &Request{Message: "   "})
	if err == nil {
		t.Fatal("Invoke() with blank message should fail")
	}
	if Recoverable(err) {
		t.Error("blank message should be terminal")
	}
	if m.CallCount() != 0 {
		t.Errorf("model calls = %d, want 0", m.CallCount())
	}
}

func TestLLMAgent_Invoke_RetriesTransient(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("recovered")
	m.FailNext(
		errors.New("503 service unavailable"),
		errors.New("503 service unavailable"),
	)
	a := newTestAgent(t, m)

	resp, err := a.Invoke(context.Background(), &Request{Message: "hello"})
	if err != nil {
		t.Fatalf("Invoke() should recover after transient failures: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("Invoke().Text = %q, want %q", resp.Text, "recovered")
	}
	if got := m.CallCount(); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}
}

func TestLLMAgent_Invoke_TerminalFailsFast(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("never")
	m.FailNext(errors.New("API key not valid"))
	a := newTestAgent(t, m)

	_, err := a.Invoke(context.Background(), &Request{Message: "hello"})
	if err == nil {
		t.Fatal("Invoke() should surface the provider error")
	}
	if Recoverable(err) {
		t.Error("invalid credentials should be terminal")
	}

	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("error type = %T, want *InvocationError", err)
	}
	if ie.Agent != "general" {
		t.Errorf("InvocationError.Agent = %q, want %q", ie.Agent, "general")
	}
	if got := m.CallCount(); got != 1 {
		t.Errorf("model calls = %d, want 1 (no retry on terminal errors)", got)
	}
}

func TestLLMAgent_Invoke_ExhaustedRetriesStayRecoverable(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("never")
	m.FailNext(
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
	)
	a := newTestAgent(t, m)

	_, err := a.Invoke(context.Background(), &Request{Message: "hello"})
	if err == nil {
		t.Fatal("Invoke() should fail once retries are exhausted")
	}
	if !Recoverable(err) {
		t.Error("exhausted transient failures should stay recoverable for the caller")
	}
	if got := m.CallCount(); got != 3 {
		t.Errorf("model calls = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestLLMAgent_Invoke_CircuitOpenShortCircuits(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("never")
	m.FailNext(
		errors.New("API key not valid"),
		errors.New("API key not valid"),
	)
	a := newTestAgent(t, m, WithCircuitBreaker(NewCircuitBreaker(CircuitConfig{
		FailureThreshold: 2,
		CoolOff:          time.Hour,
	})))

	for i := 0; i < 2; i++ {
		if _, err := a.Invoke(context.Background(), &Request{Message: "hello"}); err == nil {
			t.Fatalf("Invoke() %d should fail", i+1)
		}
	}

	_, err := a.Invoke(context.Background(), &Request{Message: "hello"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Invoke() with open circuit = %v, want ErrCircuitOpen", err)
	}
	if !Recoverable(err) {
		t.Error("circuit rejection should be recoverable; the breaker clears on its own")
	}
	if got := m.CallCount(); got != 2 {
		t.Errorf("model calls = %d, want 2 (open circuit skips the provider)", got)
	}
}

func TestLLMAgent_Invoke_EmptyResponseRecoverable(t *testing.T) {
	t.Parallel()

	m := testutil.NewMockLLM("   ")
	a := newTestAgent(t, m)

	_, err := a.Invoke(context.Background(), &Request{Message: "hello"})
	if err == nil {
		t.Fatal("Invoke() should reject a blank model response")
	}
	if !Recoverable(err) {
		t.Error("an empty response should be recoverable")
	}
}

func TestRenderUserPrompt_NoContexts(t *testing.T) {
	t.Parallel()

	req := &Request{Message: "plain question"}
	if got := renderUserPrompt(req); got != "plain question" {
		t.Errorf("renderUserPrompt() = %q, want the message unchanged", got)
	}
}

func TestVariantConstructors(t *testing.T) {
	t.Parallel()

	g := genkit.Init(context.Background())

	general, err := NewGeneralAgent(g, "mock/m")
	if err != nil {
		t.Fatalf("NewGeneralAgent() error: %v", err)
	}
	docqa, err := NewDocQAAgent(g, "mock/m")
	if err != nil {
		t.Fatalf("NewDocQAAgent() error: %v", err)
	}
	research, err := NewResearchAgent(g, "mock/m")
	if err != nil {
		t.Fatalf("NewResearchAgent() error: %v", err)
	}

	if !general.Descriptor().HasTag(TagGeneralChat) {
		t.Error("general should carry the general_chat tag")
	}
	if !docqa.Descriptor().HasTag(TagDocumentQA) {
		t.Error("docqa should carry the needs_document_qa tag")
	}
	if !research.Descriptor().HasTag(TagWebSearch) {
		t.Error("research should carry the needs_web_search tag")
	}

	// Specialists outrank the fallback so tag matches prefer them.
	if docqa.Descriptor().Priority <= general.Descriptor().Priority {
		t.Error("docqa should outrank general")
	}
	if research.Descriptor().Priority <= general.Descriptor().Priority {
		t.Error("research should outrank general")
	}
}
