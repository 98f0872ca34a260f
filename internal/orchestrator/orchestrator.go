// Package orchestrator runs conversational turns end to end: classify
// the incoming message, select an agent, gather retrieval context when
// the capability calls for it, invoke with bounded retries, and append
// the exchange to the conversation history.
package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/agent"
	"github.com/ensembleworks/ensemble/internal/classify"
	"github.com/ensembleworks/ensemble/internal/conversation"
	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/retrieval"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultAgentName           = "general"
	DefaultHistoryWindow       = 10
	DefaultMaxAttempts         = 3
	DefaultConfidenceThreshold = 0.6
	DefaultInvokeTimeout       = 30 * time.Second
	DefaultClassifyTimeout     = 10 * time.Second
	DefaultRetrieveTimeout     = 10 * time.Second
)

const lockStripes = 64

// Config tunes turn handling.
type Config struct {
	// DefaultAgent answers when classification is uncertain or no
	// registered agent serves the capability, and takes the final
	// invocation attempt when a specialist keeps failing. It must name
	// a registered agent.
	DefaultAgent string
	// HistoryWindow is how many recent turns are loaded for
	// classification and the agent prompt.
	HistoryWindow int
	// MaxAttempts bounds invocation attempts for one turn.
	MaxAttempts int
	// ConfidenceThreshold routes classifications below it to the
	// default agent instead of a specialist.
	ConfidenceThreshold float64
	// InvokeTimeout is the per-attempt deadline for agent calls.
	InvokeTimeout time.Duration
	// ClassifyTimeout bounds the classification call.
	ClassifyTimeout time.Duration
	// RetrieveTimeout bounds the retrieval call.
	RetrieveTimeout time.Duration
	// RetrievalTags name the capabilities that answer from retrieved
	// context. Empty defaults to document QA.
	RetrievalTags []string
	// StrictRetrieval fails the turn when retrieval is unavailable
	// instead of degrading to an answer without context.
	StrictRetrieval bool
}

// Conversations is the slice of the conversation store the orchestrator
// reads and writes through.
type Conversations interface {
	Create(ctx context.Context) (*conversation.Conversation, error)
	CreateWithID(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	History(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversation.Turn, error)
	Append(ctx context.Context, turn conversation.Turn) (*conversation.Turn, error)
}

// Retriever fetches grounding context for a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
}

// Reply is one answered turn.
type Reply struct {
	ConversationID uuid.UUID
	Text           string
	AgentUsed      string
	Sources        []Source
	// Degraded reports the answer was produced without full retrieval
	// context, either because one search leg failed or because
	// retrieval was down entirely.
	Degraded bool
}

// Source cites one retrieved chunk that grounded the reply.
type Source struct {
	DocumentID uuid.UUID
	ChunkID    uuid.UUID
	URI        string
	Score      float64
}

// Orchestrator coordinates one turn across classification, agent
// selection, retrieval, and history. Safe for concurrent use.
type Orchestrator struct {
	registry      *agent.Registry
	classifier    classify.Classifier
	retriever     Retriever
	conversations Conversations
	cfg           Config
	fallback      agent.Agent
	logger        log.Logger

	// Striped append locks keep a turn's user/response pair contiguous
	// when concurrent turns race on one conversation. The store's row
	// lock orders individual appends across processes; this keeps the
	// pair together within one.
	locks [lockStripes]sync.Mutex
}

// New wires an orchestrator. The registry and conversation store are
// required. A nil classifier routes every turn to the default agent; a
// nil retriever answers without context.
func New(registry *agent.Registry, classifier classify.Classifier, retriever Retriever, conversations Conversations, cfg Config, logger log.Logger) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if conversations == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = DefaultAgentName
	}
	fallback, ok := registry.Get(cfg.DefaultAgent)
	if !ok {
		return nil, fmt.Errorf("default agent %q is not registered", cfg.DefaultAgent)
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultInvokeTimeout
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = DefaultClassifyTimeout
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = DefaultRetrieveTimeout
	}
	if len(cfg.RetrievalTags) == 0 {
		cfg.RetrievalTags = []string{agent.TagDocumentQA}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Orchestrator{
		registry:      registry,
		classifier:    classifier,
		retriever:     retriever,
		conversations: conversations,
		cfg:           cfg,
		fallback:      fallback,
		logger:        logger,
	}, nil
}

// Handle runs one turn. A nil conversation id starts a new
// conversation; a caller-supplied id resumes it, creating the
// conversation on first use. The exchange is appended to history only
// after invocation settles, so a failed turn records the question and a
// system note instead of a response.
func (o *Orchestrator) Handle(ctx context.Context, conversationID uuid.UUID, message string) (*Reply, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: empty message", conversation.ErrInvalidTurn)
	}

	conv, err := o.conversationFor(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("opening conversation: %w", err)
	}

	history, err := o.conversations.History(ctx, conv.ID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	res := o.classifyTurn(ctx, message, history)
	confident := res.Confidence >= o.cfg.ConfidenceThreshold
	selected := o.selectAgent(res.Tag, confident, conv.LastAgentID)

	o.logger.Debug("turn routed",
		"conversation_id", conv.ID,
		"capability", res.Tag,
		"confidence", res.Confidence,
		"agent", selected.Descriptor().Name)

	// An uncertain classification is not trusted for routing, so it is
	// not trusted to trigger retrieval either.
	var (
		contexts []retrieval.Context
		degraded bool
	)
	if o.retriever != nil && confident && slices.Contains(o.cfg.RetrievalTags, res.Tag) {
		contexts, degraded, err = o.retrieve(ctx, message)
		if err != nil {
			return nil, err
		}
	}

	resp, agentUsed, err := o.invoke(ctx, selected, &agent.Request{
		Message:  message,
		History:  agent.HistoryMessages(history),
		Contexts: contexts,
	})
	if err != nil {
		o.recordFailure(ctx, conv.ID, message, agentUsed, err)
		return nil, err
	}

	if err := o.recordExchange(ctx, conv.ID, message, agentUsed, resp.Text); err != nil {
		return nil, err
	}

	return &Reply{
		ConversationID: conv.ID,
		Text:           resp.Text,
		AgentUsed:      agentUsed,
		Sources:        sources(contexts),
		Degraded:       degraded,
	}, nil
}

func (o *Orchestrator) conversationFor(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	if id == uuid.Nil {
		return o.conversations.Create(ctx)
	}
	return o.conversations.CreateWithID(ctx, id)
}

// classifyTurn never fails the turn: a classifier error or a missing
// classifier yields a zero-confidence result, which the threshold then
// routes to the default agent.
func (o *Orchestrator) classifyTurn(ctx context.Context, message string, history []conversation.Turn) classify.Result {
	if o.classifier == nil {
		return classify.Result{Tag: agent.TagGeneralChat}
	}

	cctx, cancel := context.WithTimeout(ctx, o.cfg.ClassifyTimeout)
	defer cancel()

	res, err := o.classifier.Classify(cctx, message, history)
	if err != nil {
		o.logger.Warn("classification failed, routing to default agent", "error", err)
		return classify.Result{Tag: agent.TagGeneralChat}
	}
	return res
}

// selectAgent picks the agent for a classified turn. The agent that
// answered the previous turn is preferred over a higher-ranked one as
// long as it still serves the capability; otherwise the registry's
// ranking decides. Selection never fails: anything unservable lands on
// the default agent.
func (o *Orchestrator) selectAgent(tag string, confident bool, lastAgentID string) agent.Agent {
	if !confident {
		return o.fallback
	}
	candidates := o.registry.ByCapability(tag)
	if len(candidates) == 0 {
		return o.fallback
	}
	if lastAgentID != "" {
		if prev, ok := o.registry.Get(lastAgentID); ok && prev.Descriptor().HasTag(tag) {
			return prev
		}
	}
	return candidates[0]
}

func (o *Orchestrator) retrieve(ctx context.Context, query string) ([]retrieval.Context, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrieveTimeout)
	defer cancel()

	result, err := o.retriever.Retrieve(rctx, query, retrieval.Options{})
	if err != nil {
		if o.cfg.StrictRetrieval {
			return nil, false, fmt.Errorf("retrieving context: %w", err)
		}
		o.logger.Warn("retrieval unavailable, answering without context", "error", err)
		return nil, true, nil
	}
	return result.Contexts, result.Degraded, nil
}

// invoke runs the bounded attempt loop. Recoverable failures retry on
// the same agent; the final attempt switches to the default agent when
// a specialist keeps failing. Terminal failures and caller cancellation
// stop the loop immediately. Returns the name of the last agent tried
// alongside any error.
func (o *Orchestrator) invoke(ctx context.Context, selected agent.Agent, req *agent.Request) (*agent.Response, string, error) {
	current := selected
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt == o.cfg.MaxAttempts && attempt > 1 &&
			current.Descriptor().Name != o.fallback.Descriptor().Name {
			o.logger.Info("switching to default agent for final attempt",
				"from", current.Descriptor().Name,
				"to", o.fallback.Descriptor().Name)
			current = o.fallback
		}

		actx, cancel := context.WithTimeout(ctx, o.cfg.InvokeTimeout)
		resp, err := current.Invoke(actx, req)
		cancel()
		if err == nil {
			return resp, current.Descriptor().Name, nil
		}

		lastErr = err
		o.logger.Warn("agent invocation failed",
			"agent", current.Descriptor().Name,
			"attempt", attempt,
			"recoverable", agent.Recoverable(err),
			"error", err)

		if !agent.Recoverable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, current.Descriptor().Name, fmt.Errorf("invoking agent: %w", lastErr)
}

// recordExchange appends the user turn and the assistant reply as one
// contiguous pair.
func (o *Orchestrator) recordExchange(ctx context.Context, convID uuid.UUID, message, agentUsed, reply string) error {
	mu := o.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := o.conversations.Append(ctx, conversation.Turn{
		ConversationID: convID,
		Role:           conversation.RoleUser,
		Content:        message,
	}); err != nil {
		return fmt.Errorf("recording user turn: %w", err)
	}
	if _, err := o.conversations.Append(ctx, conversation.Turn{
		ConversationID: convID,
		Role:           conversation.RoleAssistant,
		Content:        reply,
		AgentID:        agentUsed,
	}); err != nil {
		return fmt.Errorf("recording assistant turn: %w", err)
	}
	return nil
}

// recordFailure keeps the audit trail honest after a failed turn: the
// question that triggered it plus a system note naming the agent and
// the error. Best effort, detached from the caller's cancellation so a
// timed-out turn still leaves a trace.
func (o *Orchestrator) recordFailure(ctx context.Context, convID uuid.UUID, message, agentUsed string, invErr error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	mu := o.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := o.conversations.Append(wctx, conversation.Turn{
		ConversationID: convID,
		Role:           conversation.RoleUser,
		Content:        message,
	}); err != nil {
		o.logger.Error("recording user turn after failure", "error", err)
		return
	}
	if _, err := o.conversations.Append(wctx, conversation.Turn{
		ConversationID: convID,
		Role:           conversation.RoleSystem,
		Content:        fmt.Sprintf("agent %s failed: %v", agentUsed, invErr),
	}); err != nil {
		o.logger.Error("recording failure turn", "error", err)
	}
}

func (o *Orchestrator) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &o.locks[h.Sum32()%lockStripes]
}

func sources(contexts []retrieval.Context) []Source {
	if len(contexts) == 0 {
		return nil
	}
	out := make([]Source, len(contexts))
	for i, c := range contexts {
		out[i] = Source{
			DocumentID: c.DocumentID,
			ChunkID:    c.ChunkID,
			URI:        c.SourceURI,
			Score:      c.Score,
		}
	}
	return out
}
