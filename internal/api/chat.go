package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/internal/log"
	"github.com/ensembleworks/ensemble/internal/orchestrator"
)

// maxChatBodyBytes caps the chat request body.
const maxChatBodyBytes = 1 << 20

// ChatService runs one conversational turn. A nil conversation id
// starts a new conversation.
type ChatService interface {
	Handle(ctx context.Context, conversationID uuid.UUID, message string) (*orchestrator.Reply, error)
}

// chatHandler serves the synchronous chat entry point.
type chatHandler struct {
	chat   ChatService
	logger log.Logger
}

// chatRequest is the body of POST /api/v1/chat.
type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// chatResponse is one answered turn.
type chatResponse struct {
	ConversationID   string       `json:"conversation_id"`
	ResponseText     string       `json:"response_text"`
	AgentUsed        string       `json:"agent_used"`
	RetrievedSources []sourceItem `json:"retrieved_sources"`
	Degraded         bool         `json:"degraded,omitempty"`
}

// sourceItem cites one retrieved chunk that grounded the reply.
type sourceItem struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	SourceURI  string  `json:"source_uri,omitempty"`
	Score      float64 `json:"score"`
}

// send handles POST /api/v1/chat.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, KindValidationError, "request body too large", h.logger)
			return
		}
		WriteError(w, http.StatusBadRequest, KindValidationError, "invalid request body", h.logger)
		return
	}

	conversationID := uuid.Nil
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			WriteError(w, http.StatusBadRequest, KindValidationError, "invalid conversation_id", h.logger)
			return
		}
		conversationID = id
	}

	reply, err := h.chat.Handle(r.Context(), conversationID, req.Message)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}

	sources := make([]sourceItem, len(reply.Sources))
	for i, s := range reply.Sources {
		sources[i] = sourceItem{
			DocumentID: s.DocumentID.String(),
			ChunkID:    s.ChunkID.String(),
			SourceURI:  s.URI,
			Score:      s.Score,
		}
	}

	WriteJSON(w, http.StatusOK, chatResponse{
		ConversationID:   reply.ConversationID.String(),
		ResponseText:     reply.Text,
		AgentUsed:        reply.AgentUsed,
		RetrievedSources: sources,
		Degraded:         reply.Degraded,
	}, h.logger)
}
