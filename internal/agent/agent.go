// Package agent defines the single invocation contract shared by every
// agent variant and the immutable registry the orchestrator selects
// them from. Variants differ in configuration and behavior behind
// Invoke, never in calling shape.
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/firebase/genkit/go/ai"

	"github.com/ensembleworks/ensemble/internal/conversation"
	"github.com/ensembleworks/ensemble/internal/retrieval"
)

// Capability tags form the shared vocabulary between the classifier and
// agent descriptors. Selection intersects a classified tag with the
// tags each descriptor carries.
const (
	TagGeneralChat = "general_chat"
	TagDocumentQA  = "needs_document_qa"
	TagWebSearch   = "needs_web_search"
)

// Descriptor describes one agent variant to the registry: what it
// handles and how selection ranks it against peers with the same tag.
type Descriptor struct {
	Name           string
	Description    string
	CapabilityTags []string

	// Priority ranks candidates sharing a capability tag; higher wins.
	Priority int

	// Latency is the expected per-invocation latency. It breaks
	// priority ties; lower wins.
	Latency time.Duration
}

// HasTag reports whether the descriptor carries the capability tag.
func (d Descriptor) HasTag(tag string) bool {
	return slices.Contains(d.CapabilityTags, tag)
}

// Request carries everything one invocation needs: the user message,
// the trimmed conversation history, retrieved context when the
// classified tag calls for it, and any tools granted for the turn.
type Request struct {
	Message  string
	History  []*ai.Message
	Contexts []retrieval.Context
	Tools    []ai.ToolRef
}

// Response is an agent's answer for a single turn.
type Response struct {
	Text string
}

// Agent is the one capability every variant implements.
type Agent interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// FailureKind partitions invocation errors for the caller's retry
// policy.
type FailureKind int

const (
	// FailureRecoverable marks transient faults worth another attempt
	// with the same or a fallback agent.
	FailureRecoverable FailureKind = iota

	// FailureTerminal marks faults that will fail the same way again.
	FailureTerminal
)

func (k FailureKind) String() string {
	switch k {
	case FailureRecoverable:
		return "recoverable"
	case FailureTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// InvocationError wraps a provider or tool failure with the agent that
// produced it and how the caller should treat it.
type InvocationError struct {
	Agent string
	Kind  FailureKind
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent %s: %s failure: %v", e.Agent, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Recoverable reports whether err should stay inside the bounded retry
// loop. Errors that never passed through an agent count as recoverable
// so unknown faults get their remaining attempts rather than aborting
// the turn.
func Recoverable(err error) bool {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind == FailureRecoverable
	}
	return true
}

// HistoryMessages converts stored turns into model messages. System
// turns record orchestration events for the audit trail and are not
// model input, so they are skipped.
func HistoryMessages(turns []conversation.Turn) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleUser:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(t.Content)))
		case conversation.RoleAssistant:
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(t.Content)))
		}
	}
	return msgs
}
