package security

import (
	"regexp"
	"strings"
)

// PromptGuard flags common prompt-injection patterns in text fetched
// from the outside world before it is placed into an agent prompt as
// retrieved context.
//
// Pattern matching is a tripwire, not a proof: a clean scan does not
// make content trustworthy, and sophisticated attacks slip through.
// Callers should log hits and keep the agent's system prompt hardened
// regardless.
type PromptGuard struct {
	patterns []*regexp.Regexp
}

// NewPromptGuard compiles the default pattern set: instruction
// overrides, role reassignment, and fake system/delimiter markers.
func NewPromptGuard() *PromptGuard {
	exprs := []string{
		`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)`,
		`(?i)disregard\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?)`,
		`(?i)forget\s+(all\s+)?(previous|above|prior)\s+(instructions?|context)`,
		`(?i)you\s+are\s+now\s+(a|an|the)\s`,
		`(?i)from\s+now\s+on,?\s+you\s+(are|will|must)`,
		`(?i)new\s+(instruction|task|rule)s?\s*:`,
		`(?i)system\s*(prompt|message|override)\s*:`,
		"(?i)</?(system|assistant)>",
	}
	patterns := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		patterns[i] = regexp.MustCompile(e)
	}
	return &PromptGuard{patterns: patterns}
}

// Scan returns the patterns matched in text, empty when none.
func (g *PromptGuard) Scan(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var hits []string
	for _, p := range g.patterns {
		if m := p.FindString(text); m != "" {
			hits = append(hits, m)
		}
	}
	return hits
}
