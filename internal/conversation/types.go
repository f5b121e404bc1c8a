// Package conversation persists conversations and their messages in
// PostgreSQL. Citations recovered after a turn completes are attached to
// the stored assistant message as a JSON column.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged conversation turn, the neutral shape exchanged
// with the generative service.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is one chat thread between a caller and an agent.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"userId"`
	AgentID   string    `json:"agentId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one stored turn. Citations is nil until (and unless) the
// grounding extraction for the turn completes.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversationId"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Citations      json.RawMessage `json:"citations,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
