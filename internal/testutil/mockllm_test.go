package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

func userRequest(text string) *ai.ModelRequest {
	return &ai.ModelRequest{
		Messages: []*ai.Message{ai.NewUserMessage(ai.NewTextPart(text))},
	}
}

func TestMockLLM_RuleMatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rules []struct{ pattern, response string }
		input string
		want  string
	}{
		{
			name:  "fallback when no rules",
			input: "hello",
			want:  "fallback",
		},
		{
			name: "substring match",
			rules: []struct{ pattern, response string }{
				{"weather", "sunny"},
			},
			input: "what is the WEATHER today",
			want:  "sunny",
		},
		{
			name: "first rule wins",
			rules: []struct{ pattern, response string }{
				{"weather", "first"},
				{"weather", "second"},
			},
			input: "weather",
			want:  "first",
		},
		{
			name: "no match falls back",
			rules: []struct{ pattern, response string }{
				{"weather", "sunny"},
			},
			input: "how are you",
			want:  "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMockLLM("fallback")
			for _, r := range tt.rules {
				m.Respond(r.pattern, r.response)
			}

			resp, err := m.generate(context.Background(), userRequest(tt.input), nil)
			if err != nil {
				t.Fatalf("generate() unexpected error: %v", err)
			}
			if got := resp.Message.Text(); got != tt.want {
				t.Errorf("generate(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMockLLM_FailNext(t *testing.T) {
	t.Parallel()

	m := NewMockLLM("ok")
	m.FailNext(errors.New("503 service unavailable"), errors.New("503 service unavailable"))

	for i := 0; i < 2; i++ {
		if _, err := m.generate(context.Background(), userRequest("hi"), nil); err == nil {
			t.Fatalf("generate() call %d should return queued error", i+1)
		}
	}

	resp, err := m.generate(context.Background(), userRequest("hi"), nil)
	if err != nil {
		t.Fatalf("generate() after queue drained: %v", err)
	}
	if resp.Message.Text() != "ok" {
		t.Errorf("generate() = %q, want %q", resp.Message.Text(), "ok")
	}
	if got := m.CallCount(); got != 3 {
		t.Errorf("CallCount() = %d, want 3 (failed calls count too)", got)
	}
}

func TestMockLLM_RecordsRequests(t *testing.T) {
	t.Parallel()

	m := NewMockLLM("ok")
	req := &ai.ModelRequest{
		Messages: []*ai.Message{
			ai.NewSystemMessage(ai.NewTextPart("be brief")),
			ai.NewUserMessage(ai.NewTextPart("question")),
		},
	}
	if _, err := m.generate(context.Background(), req, nil); err != nil {
		t.Fatalf("generate() unexpected error: %v", err)
	}

	seen := m.Requests()
	if len(seen) != 1 {
		t.Fatalf("Requests() len = %d, want 1", len(seen))
	}
	if seen[0].Messages[0].Role != ai.RoleSystem {
		t.Errorf("recorded first message role = %q, want system", seen[0].Messages[0].Role)
	}
	if got := LastUserText(seen[0]); got != "question" {
		t.Errorf("LastUserText() = %q, want %q", got, "question")
	}
}

func TestMockLLM_Register(t *testing.T) {
	t.Parallel()

	m := NewMockLLM("registered")
	g := genkit.Init(context.Background())

	name := m.Register(g, "widget")
	if name != "mock/widget" {
		t.Errorf("Register() = %q, want %q", name, "mock/widget")
	}
	if genkit.LookupModel(g, name) == nil {
		t.Fatal("LookupModel() returned nil after registration")
	}

	resp, err := genkit.Generate(context.Background(), g,
		ai.WithModelName(name),
		ai.WithMessages(ai.NewUserMessage(ai.NewTextPart("anything"))),
	)
	if err != nil {
		t.Fatalf("Generate() through registry: %v", err)
	}
	if resp.Text() != "registered" {
		t.Errorf("Generate().Text() = %q, want %q", resp.Text(), "registered")
	}
}
