package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/conversation"
	"github.com/ensembleworks/ensemble/internal/log"
)

// ConversationReader is the conversation store slice the API reads.
type ConversationReader interface {
	Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error)
	History(ctx context.Context, conversationID uuid.UUID, limit int) ([]conversation.Turn, error)
}

// conversationHandler serves conversation history for audit.
type conversationHandler struct {
	store  ConversationReader
	logger log.Logger
}

// conversationResponse is the body of GET /api/v1/conversations/{id}.
type conversationResponse struct {
	ID          string     `json:"id"`
	LastAgentID string     `json:"last_agent_id,omitempty"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
	Turns       []turnItem `json:"turns"`
}

// turnItem is the JSON representation of one history entry.
type turnItem struct {
	Sequence  int    `json:"sequence"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	AgentID   string `json:"agent_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// get handles GET /api/v1/conversations/{id} — returns the full
// history, oldest turn first.
func (h *conversationHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, KindValidationError, "invalid conversation ID", h.logger)
		return
	}

	conv, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	turns, err := h.store.History(r.Context(), id, 0)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	items := make([]turnItem, len(turns))
	for i, t := range turns {
		items[i] = turnItem{
			Sequence:  t.SequenceNumber,
			Role:      string(t.Role),
			Content:   t.Content,
			AgentID:   t.AgentID,
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		}
	}

	WriteJSON(w, http.StatusOK, conversationResponse{
		ID:          conv.ID.String(),
		LastAgentID: conv.LastAgentID,
		CreatedAt:   conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   conv.UpdatedAt.Format(time.RFC3339),
		Turns:       items,
	}, h.logger)
}
