package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/retrieval"
)

// LLMConfig configures one model-backed agent variant.
type LLMConfig struct {
	Descriptor   Descriptor
	ModelName    string // genkit registry name, e.g. "googleai/gemini-2.5-flash"
	SystemPrompt string
	Tools        []ai.ToolRef
	MaxTurns     int // tool-call round limit; 0 takes genkit's default
}

// LLMAgent invokes a genkit model. Every variant shares this
// implementation; general, docqa and research differ only in the
// config they are built with.
type LLMAgent struct {
	g       *genkit.Genkit
	cfg     LLMConfig
	breaker *CircuitBreaker
	retry   RetryConfig
	limiter *rate.Limiter
	logger  log.Logger
}

// LLMOption customizes an LLMAgent.
type LLMOption func(*LLMAgent)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(rc RetryConfig) LLMOption {
	return func(a *LLMAgent) { a.retry = rc }
}

// WithRateLimiter sets a proactive request limiter. Variants sharing a
// provider should share one limiter.
func WithRateLimiter(l *rate.Limiter) LLMOption {
	return func(a *LLMAgent) { a.limiter = l }
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(b *CircuitBreaker) LLMOption {
	return func(a *LLMAgent) { a.breaker = b }
}

// WithLogger sets the agent logger.
func WithLogger(l log.Logger) LLMOption {
	return func(a *LLMAgent) { a.logger = l }
}

// NewLLMAgent builds a model-backed agent.
func NewLLMAgent(g *genkit.Genkit, cfg LLMConfig, opts ...LLMOption) (*LLMAgent, error) {
	if cfg.Descriptor.Name == "" {
		return nil, errors.New("agent name required")
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("agent %s: model name required", cfg.Descriptor.Name)
	}

	a := &LLMAgent{
		g:       g,
		cfg:     cfg,
		breaker: NewCircuitBreaker(CircuitConfig{}),
		retry:   DefaultRetryConfig(),
		limiter: rate.NewLimiter(10, 30),
		logger:  log.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *LLMAgent) Descriptor() Descriptor { return a.cfg.Descriptor }

// Invoke runs one turn against the model. Transient provider failures
// retry with backoff behind a circuit breaker. Errors come back as
// *InvocationError carrying the retry classification.
func (a *LLMAgent) Invoke(ctx context.Context, req *Request) (*Response, error) {
	name := a.cfg.Descriptor.Name
	if req == nil || strings.TrimSpace(req.Message) == "" {
		return nil, &InvocationError{
			Agent: name,
			Kind:  FailureTerminal,
			Err:   errors.New("empty message"),
		}
	}

	if err := a.breaker.Allow(); err != nil {
		a.logger.Warn("rejecting invocation, circuit open",
			"agent", name, "state", a.breaker.State().String())
		return nil, a.failure(err)
	}

	resp, err := a.generateWithRetry(ctx, a.generateOptions(req))
	if err != nil {
		a.breaker.RecordFailure()
		return nil, a.failure(err)
	}
	a.breaker.RecordSuccess()

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, a.failure(errors.New("model returned an empty response"))
	}
	return &Response{Text: text}, nil
}

func (a *LLMAgent) failure(err error) *InvocationError {
	return &InvocationError{
		Agent: a.cfg.Descriptor.Name,
		Kind:  classifyFailure(err),
		Err:   err,
	}
}

// classifyFailure maps provider errors onto the retry taxonomy.
// Timeouts, circuit rejections, an empty model response and transient
// provider faults merit another attempt; anything else will fail the
// same way again.
func classifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrCircuitOpen),
		retryableError(err):
		return FailureRecoverable
	case strings.Contains(err.Error(), "empty response"):
		return FailureRecoverable
	default:
		return FailureTerminal
	}
}

func (a *LLMAgent) generateOptions(req *Request) []ai.GenerateOption {
	messages := make([]*ai.Message, 0, len(req.History)+2)
	if a.cfg.SystemPrompt != "" {
		messages = append(messages, ai.NewSystemMessage(ai.NewTextPart(a.cfg.SystemPrompt)))
	}
	messages = append(messages, req.History...)
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(renderUserPrompt(req))))

	opts := []ai.GenerateOption{
		ai.WithModelName(a.cfg.ModelName),
		ai.WithMessages(messages...),
	}

	if len(a.cfg.Tools) > 0 || len(req.Tools) > 0 {
		tools := make([]ai.ToolRef, 0, len(a.cfg.Tools)+len(req.Tools))
		tools = append(tools, a.cfg.Tools...)
		tools = append(tools, req.Tools...)
		opts = append(opts, ai.WithTools(tools...))
		if a.cfg.MaxTurns > 0 {
			opts = append(opts, ai.WithMaxTurns(a.cfg.MaxTurns))
		}
	}
	return opts
}

// renderUserPrompt injects retrieved context ahead of the user message.
// Sources are numbered so the model can cite them.
func renderUserPrompt(req *Request) string {
	if len(req.Contexts) == 0 {
		return req.Message
	}

	var b strings.Builder
	b.WriteString("Context retrieved from the knowledge base:\n\n")
	for i, c := range req.Contexts {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, sourceLabel(c), c.Content)
	}
	b.WriteString("Answer using the context above where it is relevant. ")
	b.WriteString("If the context does not cover the question, say so.\n\n")
	b.WriteString("Question: ")
	b.WriteString(req.Message)
	return b.String()
}

func sourceLabel(c retrieval.Context) string {
	if c.SourceURI != "" {
		return c.SourceURI
	}
	return "document " + c.DocumentID.String()
}

const generalPrompt = `You are a helpful, precise assistant. Answer directly and admit
uncertainty rather than guessing.`

const docqaPrompt = `You answer questions about documents in the knowledge base. Ground
every claim in the retrieved context, cite sources by their bracketed
number, and say plainly when the context does not contain the answer.`

const researchPrompt = `You are a research assistant. Synthesize the retrieved material
into a concise, sourced answer, noting where findings conflict and
what remains open.`

// NewGeneralAgent returns the designated default variant. It makes no
// specialist claims, so selection only reaches it through the
// orchestrator's fallback, which must never fail to produce an agent.
func NewGeneralAgent(g *genkit.Genkit, modelName string, opts ...LLMOption) (*LLMAgent, error) {
	return NewLLMAgent(g, LLMConfig{
		Descriptor: Descriptor{
			Name:           "general",
			Description:    "default conversational agent",
			CapabilityTags: []string{TagGeneralChat},
			Priority:       1,
			Latency:        2 * time.Second,
		},
		ModelName:    modelName,
		SystemPrompt: generalPrompt,
	}, opts...)
}

// NewDocQAAgent returns the document question-answering variant.
func NewDocQAAgent(g *genkit.Genkit, modelName string, opts ...LLMOption) (*LLMAgent, error) {
	return NewLLMAgent(g, LLMConfig{
		Descriptor: Descriptor{
			Name:           "docqa",
			Description:    "answers questions grounded in ingested documents",
			CapabilityTags: []string{TagDocumentQA},
			Priority:       10,
			Latency:        3 * time.Second,
		},
		ModelName:    modelName,
		SystemPrompt: docqaPrompt,
	}, opts...)
}

// NewResearchAgent returns the web-research variant. Its latency
// estimate reflects the extra search round-trips.
func NewResearchAgent(g *genkit.Genkit, modelName string, opts ...LLMOption) (*LLMAgent, error) {
	return NewLLMAgent(g, LLMConfig{
		Descriptor: Descriptor{
			Name:           "research",
			Description:    "researches questions against fresh web results",
			CapabilityTags: []string{TagWebSearch},
			Priority:       8,
			Latency:        6 * time.Second,
		},
		ModelName:    modelName,
		SystemPrompt: researchPrompt,
	}, opts...)
}
