package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockLLM is a deterministic stand-in for a provider model. Responses
// are picked by case-insensitive substring match against the last user
// message; queued errors are returned first, one per call, to script
// transient failures.
//
// Safe for concurrent use.
type MockLLM struct {
	mu       sync.Mutex
	rules    []llmRule
	fallback string
	errQueue []error
	requests []*ai.ModelRequest
}

type llmRule struct {
	pattern  string
	response string
}

// NewMockLLM returns a mock that answers fallback when no rule matches.
func NewMockLLM(fallback string) *MockLLM {
	return &MockLLM{fallback: fallback}
}

// Respond registers a substring rule. Rules are checked in registration
// order; the first match wins.
func (m *MockLLM) Respond(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, llmRule{
		pattern:  strings.ToLower(pattern),
		response: response,
	})
}

// FailNext queues errors for upcoming calls, one per call, consumed
// before any rule matching happens.
func (m *MockLLM) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueue = append(m.errQueue, errs...)
}

// Requests returns a copy of every request the model has seen,
// including ones that were answered with a queued error.
func (m *MockLLM) Requests() []*ai.ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*ai.ModelRequest, len(m.requests))
	copy(cp, m.requests)
	return cp
}

// CallCount returns how many times the model was called.
func (m *MockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Register defines the mock in the genkit registry as "mock/<name>"
// and returns that registry name.
func (m *MockLLM) Register(g *genkit.Genkit, name string) string {
	full := "mock/" + name
	genkit.DefineModel(g, full, &ai.ModelOptions{
		Label: "Mock " + name,
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			Tools:      true,
			SystemRole: true,
		},
	}, m.generate)
	return full
}

func (m *MockLLM) generate(_ context.Context, req *ai.ModelRequest, _ ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.errQueue) > 0 {
		err := m.errQueue[0]
		m.errQueue = m.errQueue[1:]
		if err != nil {
			return nil, err
		}
	}

	// Match against all user text, not just the last message: output
	// formatting can append instruction messages after the caller's.
	text := m.fallback
	user := strings.ToLower(AllUserText(req))
	for _, r := range m.rules {
		if strings.Contains(user, r.pattern) {
			text = r.response
			break
		}
	}

	return &ai.ModelResponse{
		Request: req,
		Message: ai.NewModelMessage(ai.NewTextPart(text)),
	}, nil
}

// LastUserText returns the text of the most recent user message in the
// request, or "" when there is none.
func LastUserText(req *ai.ModelRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			return req.Messages[i].Text()
		}
	}
	return ""
}

// AllUserText concatenates the text of every user message in request
// order. Assertions should prefer it over LastUserText when generate
// options may append messages of their own.
func AllUserText(req *ai.ModelRequest) string {
	var b strings.Builder
	for _, msg := range req.Messages {
		if msg.Role == ai.RoleUser {
			b.WriteString(msg.Text())
			b.WriteString("\n")
		}
	}
	return b.String()
}
