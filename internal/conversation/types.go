// Package conversation persists chat history. Appends to one conversation
// are serialized through a row lock so concurrent turns can never
// interleave their sequence numbers.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidTurn indicates a turn with an unknown role or no content.
	ErrInvalidTurn = errors.New("invalid turn")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem records orchestration events that belong in the audit
	// trail, such as a terminal agent failure.
	RoleSystem Role = "system"
)

// Conversation is one chat session. LastAgentID is a weak reference: it
// names the agent that answered most recently and may point at an agent
// no longer registered.
type Conversation struct {
	ID          uuid.UUID
	LastAgentID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Turn is one history entry. Turns of a conversation form a gap-free
// sequence ordered by SequenceNumber starting at 1.
type Turn struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SequenceNumber int
	Role           Role
	Content        string
	// AgentID is set on assistant turns to the agent that produced them.
	AgentID   string
	CreatedAt time.Time
}

func validRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}
