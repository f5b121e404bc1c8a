package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/calliope-ai/groundskeeper/internal/conversation"
)

const maxListLimit = 100

// ConversationStore is the persistence surface the API needs. Satisfied by
// *conversation.Store.
type ConversationStore interface {
	Create(ctx context.Context, userID, agentID, title string) (*conversation.Conversation, error)
	Get(ctx context.Context, id uuid.UUID, userID string) (*conversation.Conversation, error)
	List(ctx context.Context, userID string, limit int) ([]*conversation.Conversation, error)
	Delete(ctx context.Context, id uuid.UUID, userID string) error
	Messages(ctx context.Context, conversationID uuid.UUID) ([]*conversation.Message, error)
}

// conversationHandler serves conversation CRUD endpoints.
type conversationHandler struct {
	store  ConversationStore
	logger *slog.Logger
}

// CreateConversationRequest is the POST /conversations body.
type CreateConversationRequest struct {
	AgentID string `json:"agentId"`
	Title   string `json:"title,omitempty"`
}

func (h *conversationHandler) create(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	var req CreateConversationRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "missing_agent_id", "agentId is required")
		return
	}

	conv, err := h.store.Create(r.Context(), userID, req.AgentID, req.Title)
	if err != nil {
		h.logger.Error("creating conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *conversationHandler) list(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	convs, err := h.store.List(r.Context(), userID, maxListLimit)
	if err != nil {
		h.logger.Error("listing conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *conversationHandler) get(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "conversation id must be a UUID")
		return
	}

	conv, err := h.store.Get(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		h.logger.Error("getting conversation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get conversation")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *conversationHandler) messages(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "conversation id must be a UUID")
		return
	}

	// Ownership check before exposing messages
	if _, err := h.store.Get(r.Context(), id, userID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		h.logger.Error("getting conversation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get conversation")
		return
	}

	msgs, err := h.store.Messages(r.Context(), id)
	if err != nil {
		h.logger.Error("listing messages", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *conversationHandler) delete(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "conversation id must be a UUID")
		return
	}

	if err := h.store.Delete(r.Context(), id, userID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		h.logger.Error("deleting conversation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
