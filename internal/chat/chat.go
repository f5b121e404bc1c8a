// Package chat orchestrates grounded conversations: it resolves the agent's
// document store, streams model responses, persists the exchange, and kicks
// off citation extraction in the background.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/calliope-ai/groundskeeper/internal/citation"
	"github.com/calliope-ai/groundskeeper/internal/conversation"
	"github.com/calliope-ai/groundskeeper/internal/filestore"
)

// StoreResolver yields the file search store handle for an agent.
type StoreResolver interface {
	Resolve(ctx context.Context, agentID string) (*filestore.Store, error)
}

// ConversationStore persists conversation turns. Satisfied by
// *conversation.Store.
type ConversationStore interface {
	AddMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (*conversation.Message, error)
	Turns(ctx context.Context, conversationID uuid.UUID) ([]conversation.Turn, error)
	UpdateMessageCitations(ctx context.Context, messageID uuid.UUID, citations any) error
}

// CitationExtractor extracts grounding citations for a finished exchange.
// Satisfied by *citation.Extractor.
type CitationExtractor interface {
	Extract(ctx context.Context, turns []conversation.Turn, agentID, model, storeIDHint string) []citation.Citation
}

// Config assembles a Service.
type Config struct {
	Stores        StoreResolver
	Conversations ConversationStore
	Streamer      Streamer
	Extractor     CitationExtractor
	Logger        *slog.Logger
	Model         string
	Retry         RetryConfig

	// RequestsPerMinute throttles outbound provider calls ahead of the
	// provider's own quota. Zero disables the limiter.
	RequestsPerMinute int

	// BackgroundCtx bounds fire-and-forget work such as citation
	// extraction. It should outlive individual requests and be cancelled
	// on shutdown.
	BackgroundCtx context.Context

	// WG tracks background goroutines so shutdown can wait for them.
	WG *sync.WaitGroup
}

// Service coordinates a single chat exchange end to end.
type Service struct {
	stores        StoreResolver
	conversations ConversationStore
	streamer      Streamer
	extractor     CitationExtractor
	logger        *slog.Logger
	model         string
	retryConfig   RetryConfig
	limiter       *rate.Limiter
	bgCtx         context.Context
	wg            *sync.WaitGroup
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Stores == nil {
		return nil, errors.New("chat: store resolver is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("chat: conversation store is required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("chat: streamer is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("chat: model name is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.BackgroundCtx == nil {
		cfg.BackgroundCtx = context.Background()
	}
	if cfg.WG == nil {
		cfg.WG = &sync.WaitGroup{}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &Service{
		stores:        cfg.Stores,
		conversations: cfg.Conversations,
		streamer:      cfg.Streamer,
		extractor:     cfg.Extractor,
		logger:        cfg.Logger,
		model:         cfg.Model,
		retryConfig:   cfg.Retry,
		limiter:       limiter,
		bgCtx:         cfg.BackgroundCtx,
		wg:            cfg.WG,
	}, nil
}

// SendResult reports the outcome of a completed exchange.
type SendResult struct {
	UserMessage      *conversation.Message
	AssistantMessage *conversation.Message
	StoreID          string
}

// Send runs one exchange: persists the user's message, streams the grounded
// model response through onChunk, persists the assistant's reply, and
// schedules citation extraction in the background. The returned result
// references both persisted messages.
//
// Store resolution failure degrades to an ungrounded exchange rather than
// failing the request.
func (s *Service) Send(ctx context.Context, conversationID uuid.UUID, agentID, content string, onChunk func(text string) error) (*SendResult, error) {
	storeID := ""
	store, err := s.stores.Resolve(ctx, agentID)
	if err != nil {
		s.logger.Warn("store resolution failed, responding without grounding",
			"agent_id", agentID, "error", err)
	} else {
		storeID = store.StoreID
	}

	userMsg, err := s.conversations.AddMessage(ctx, conversationID, conversation.RoleUser, content)
	if err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	turns, err := s.conversations.Turns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for provider capacity: %w", err)
		}
	}

	contents := citation.TurnsToContents(turns)

	var reply string
	err = s.withRetry(ctx, func() (error, bool) {
		streamed := false
		text, streamErr := s.streamer.Stream(ctx, s.model, contents, storeID, func(chunk string) error {
			streamed = true
			if onChunk != nil {
				return onChunk(chunk)
			}
			return nil
		})
		if streamErr != nil {
			// Retrying after partial delivery would duplicate output.
			return streamErr, !streamed
		}
		reply = text
		return nil, true
	})
	if err != nil {
		return nil, fmt.Errorf("generating response: %w", err)
	}

	assistantMsg, err := s.conversations.AddMessage(ctx, conversationID, conversation.RoleAssistant, reply)
	if err != nil {
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}

	s.scheduleExtraction(assistantMsg.ID, append(turns, conversation.Turn{
		Role:    conversation.RoleAssistant,
		Content: reply,
	}), agentID, storeID)

	return &SendResult{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		StoreID:          storeID,
	}, nil
}

// scheduleExtraction runs citation extraction off the request path. The
// response has already been delivered, so failures here only cost citations.
func (s *Service) scheduleExtraction(messageID uuid.UUID, turns []conversation.Turn, agentID, storeID string) {
	if s.extractor == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		citations := s.extractor.Extract(s.bgCtx, turns, agentID, s.model, storeID)
		if len(citations) == 0 {
			s.logger.Debug("no citations extracted", "message_id", messageID)
			return
		}

		if err := s.conversations.UpdateMessageCitations(s.bgCtx, messageID, citations); err != nil {
			s.logger.Error("storing citations failed",
				"message_id", messageID, "error", err)
			return
		}
		s.logger.Info("citations stored",
			"message_id", messageID, "count", len(citations))
	}()
}

// Wait blocks until all background extraction goroutines finish. Intended
// for shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}
