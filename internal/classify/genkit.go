package classify

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/ensembleworks/ensemble/internal/agent"
	"github.com/ensembleworks/ensemble/internal/conversation"
	"github.com/ensembleworks/ensemble/internal/log"
)

// classification is the structured output the model is held to.
type classification struct {
	Capability string  `json:"capability"`
	Confidence float64 `json:"confidence"`
}

// Model is a model-backed classifier. The model answers with a
// capability from a fixed vocabulary plus its confidence; answers
// outside the vocabulary degrade to the fallback tag with zero
// confidence so threshold routing catches them.
//
// Classification runs once per turn on the synchronous path, so there
// is no retry loop here: a failed call surfaces immediately and the
// caller decides how to degrade.
type Model struct {
	g         *genkit.Genkit
	modelName string
	tags      []string
	fallback  string
	logger    log.Logger
}

// ModelOption customizes a Model classifier.
type ModelOption func(*Model)

// WithTags overrides the capability vocabulary offered to the model.
func WithTags(tags ...string) ModelOption {
	return func(m *Model) { m.tags = tags }
}

// WithFallback sets the tag reported for out-of-vocabulary answers.
func WithFallback(tag string) ModelOption {
	return func(m *Model) { m.fallback = tag }
}

// WithLogger sets the classifier logger.
func WithLogger(l log.Logger) ModelOption {
	return func(m *Model) { m.logger = l }
}

// NewModel builds a model-backed classifier on the named model.
func NewModel(g *genkit.Genkit, modelName string, opts ...ModelOption) *Model {
	m := &Model{
		g:         g,
		modelName: modelName,
		tags:      []string{agent.TagGeneralChat, agent.TagDocumentQA, agent.TagWebSearch},
		fallback:  agent.TagGeneralChat,
		logger:    log.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Classify implements Classifier by asking the model for a
// {capability, confidence} pair constrained to JSON.
func (m *Model) Classify(ctx context.Context, message string, history []conversation.Turn) (Result, error) {
	resp, err := genkit.Generate(ctx, m.g,
		ai.WithModelName(m.modelName),
		ai.WithMessages(
			ai.NewSystemMessage(ai.NewTextPart(m.systemPrompt())),
			ai.NewUserMessage(ai.NewTextPart(renderInput(message, history))),
		),
		ai.WithOutputType(classification{}),
	)
	if err != nil {
		return Result{}, fmt.Errorf("classifying message: %w", err)
	}

	var out classification
	if err := resp.Output(&out); err != nil {
		return Result{}, fmt.Errorf("decoding classification: %w", err)
	}

	if !slices.Contains(m.tags, out.Capability) {
		m.logger.Warn("classifier answered outside the vocabulary",
			"capability", out.Capability, "fallback", m.fallback)
		return Result{Tag: m.fallback, Confidence: 0}, nil
	}
	return Result{Tag: out.Capability, Confidence: clamp01(out.Confidence)}, nil
}

func (m *Model) systemPrompt() string {
	return fmt.Sprintf(`You route user messages for an assistant backed by a document
knowledge base and web search. Pick exactly one capability from: %s.
Pick %q for conversational messages that need neither documents nor
fresh information. Report your confidence between 0 and 1.`,
		strings.Join(m.tags, ", "), m.fallback)
}

// renderInput folds recent turns in so references like "that document"
// classify correctly. System turns are audit records and are skipped.
func renderInput(message string, history []conversation.Turn) string {
	if len(history) == 0 {
		return message
	}

	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, t := range history {
		if t.Role == conversation.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	b.WriteString("\nClassify this message: ")
	b.WriteString(message)
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
