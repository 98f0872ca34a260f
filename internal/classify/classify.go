// Package classify maps an incoming message plus recent history onto
// the capability tag the orchestrator selects agents with. The two
// implementations are interchangeable: a deterministic keyword table
// and a model-backed classifier with calibrated confidence.
package classify

import (
	"context"
	"strings"

	"github.com/ensembleworks/ensemble/internal/agent"
	"github.com/ensembleworks/ensemble/internal/conversation"
)

// Result is one classification outcome. Confidence is in [0, 1]; the
// orchestrator routes low-confidence results to the default agent.
type Result struct {
	Tag        string
	Confidence float64
}

// Classifier maps a message and its recent history to a capability tag.
type Classifier interface {
	Classify(ctx context.Context, message string, history []conversation.Turn) (Result, error)
}

// Rule pairs a capability tag with the keywords that select it.
type Rule struct {
	Tag      string
	Keywords []string
}

// Rules is a deterministic keyword classifier. Rules are checked in
// order and the first keyword hit wins; a miss falls through to the
// fallback tag. Matches report full confidence — a keyword table has
// no uncertainty model, that belongs to Model.
type Rules struct {
	rules    []Rule
	fallback string
}

// NewRules builds a keyword classifier. fallback is the tag reported
// when no rule matches.
func NewRules(rules []Rule, fallback string) *Rules {
	lowered := make([]Rule, len(rules))
	for i, r := range rules {
		kws := make([]string, len(r.Keywords))
		for j, k := range r.Keywords {
			kws[j] = strings.ToLower(k)
		}
		lowered[i] = Rule{Tag: r.Tag, Keywords: kws}
	}
	return &Rules{rules: lowered, fallback: fallback}
}

// DefaultRules returns the built-in keyword table: fresh-information
// phrasing routes to web search, document phrasing to document QA,
// everything else to general chat.
func DefaultRules() *Rules {
	return NewRules([]Rule{
		{
			Tag: agent.TagWebSearch,
			Keywords: []string{
				"search the web", "latest news", "news about", "look up",
				"current events", "what's happening", "this week", "recently announced",
			},
		},
		{
			Tag: agent.TagDocumentQA,
			Keywords: []string{
				"document", "the file", "uploaded", "knowledge base",
				"according to the", "in the docs", "the manual", "ingested",
			},
		},
	}, agent.TagGeneralChat)
}

// Classify implements Classifier on the keyword table. Only the
// message is consulted; history-sensitive classification is the model
// classifier's job.
func (r *Rules) Classify(_ context.Context, message string, _ []conversation.Turn) (Result, error) {
	lower := strings.ToLower(message)
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return Result{Tag: rule.Tag, Confidence: 1}, nil
			}
		}
	}
	return Result{Tag: r.fallback, Confidence: 1}, nil
}
