package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the requested conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const conversationCols = `id, user_id, agent_id, title, created_at, updated_at`
const messageCols = `id, conversation_id, role, content, citations, created_at`

// Store manages conversation and message persistence.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a conversation Store.
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Create inserts a new conversation for userID against agentID.
func (s *Store) Create(ctx context.Context, userID, agentID, title string) (*Conversation, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO conversations (user_id, agent_id, title)
		 VALUES ($1, $2, $3)
		 RETURNING `+conversationCols,
		userID, agentID, title)

	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "agent_id", agentID)
	return conv, nil
}

// Get retrieves one conversation owned by userID.
func (s *Store) Get(ctx context.Context, id uuid.UUID, userID string) (*Conversation, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+conversationCols+`
		 FROM conversations
		 WHERE id = $1 AND user_id = $2`,
		id, userID)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return conv, nil
}

// List returns the caller's conversations, most recently updated first.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+conversationCols+`
		 FROM conversations
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// Delete removes a conversation and (via FK cascade) its messages.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`,
		id, userID)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddMessage appends one turn to a conversation and touches its updated_at.
func (s *Store) AddMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (*Message, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content)
		 VALUES ($1, $2, $3)
		 RETURNING `+messageCols,
		conversationID, role, content)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("adding message: %w", err)
	}

	if _, err := s.db.Exec(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`,
		conversationID); err != nil {
		s.logger.Warn("failed to touch conversation", "id", conversationID, "error", err)
	}

	return msg, nil
}

// Messages returns a conversation's turns in insertion order.
func (s *Store) Messages(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+messageCols+`
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// UpdateMessageCitations attaches a citation list to a stored message.
// Called asynchronously after grounding extraction completes; citations is
// marshalled into the message's JSON column.
func (s *Store) UpdateMessageCitations(ctx context.Context, messageID uuid.UUID, citations any) error {
	payload, err := json.Marshal(citations)
	if err != nil {
		return fmt.Errorf("marshalling citations: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET citations = $2 WHERE id = $1`,
		messageID, payload)
	if err != nil {
		return fmt.Errorf("updating message citations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}

	s.logger.Debug("attached citations", "message_id", messageID)
	return nil
}

// Turns converts a conversation's stored messages into provider-neutral
// turns, ready to re-issue to the generative service.
func (s *Store) Turns(ctx context.Context, conversationID uuid.UUID) ([]Turn, error) {
	msgs, err := s.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var title *string
	var createdAt, updatedAt time.Time

	if err := row.Scan(&c.ID, &c.UserID, &c.AgentID, &title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if title != nil {
		c.Title = *title
	}
	c.CreatedAt = createdAt
	c.UpdatedAt = updatedAt
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var citations []byte

	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &citations, &m.CreatedAt); err != nil {
		return nil, err
	}
	if len(citations) > 0 {
		m.Citations = json.RawMessage(citations)
	}
	return &m, nil
}
