package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/calliope-ai/groundskeeper/internal/chat"
	"github.com/calliope-ai/groundskeeper/internal/conversation"
)

// ChatService runs one grounded exchange. Satisfied by *chat.Service.
type ChatService interface {
	Send(ctx context.Context, conversationID uuid.UUID, agentID, content string, onChunk func(text string) error) (*chat.SendResult, error)
}

// chatHandler serves the streaming message endpoint.
type chatHandler struct {
	service       ChatService
	conversations ConversationStore
	logger        *slog.Logger
}

// SSE event types for chat streaming.
const (
	EventChunk = "chunk" // Partial response text
	EventDone  = "done"  // Stream completed successfully
	EventError = "error" // Error occurred during streaming
)

// ChunkPayload is the SSE data payload for streaming text chunks.
type ChunkPayload struct {
	Text string `json:"text"`
}

// DonePayload is the SSE data payload when streaming completes. Citations
// are extracted asynchronously; clients re-fetch the message to see them.
type DonePayload struct {
	Response       string `json:"response"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is the SSE data payload when an error occurs.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendMessageRequest is the POST body for streaming a message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// send handles POST /api/v1/conversations/{id}/messages as an SSE stream.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "conversation id must be a UUID")
		return
	}

	conv, err := h.conversations.Get(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		h.logger.Error("getting conversation", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load conversation")
		return
	}

	var req SendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "missing_content", "content is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	h.logger.Debug("SSE stream started", "conversation_id", id, "agent_id", conv.AgentID)

	res, err := h.service.Send(r.Context(), id, conv.AgentID, req.Content, func(text string) error {
		return writeEvent(w, flusher, EventChunk, ChunkPayload{Text: text})
	})
	if err != nil {
		if r.Context().Err() != nil {
			h.logger.Info("client disconnected", "conversation_id", id)
			return
		}
		h.logger.Error("chat exchange failed", "conversation_id", id, "error", err)
		_ = writeEvent(w, flusher, EventError, ErrorPayload{
			Code:    "STREAM_ERROR",
			Message: "failed to generate response",
		})
		return
	}

	_ = writeEvent(w, flusher, EventDone, DonePayload{
		Response:       res.AssistantMessage.Content,
		MessageID:      res.AssistantMessage.ID.String(),
		ConversationID: id.String(),
	})

	h.logger.Info("SSE stream completed", "conversation_id", id)
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
