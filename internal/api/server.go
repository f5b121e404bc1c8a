// Package api exposes the HTTP surface: conversation CRUD, streaming chat,
// document ingestion, and store management, behind a shared middleware stack.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calliope-ai/groundskeeper/internal/filestore"
	"github.com/calliope-ai/groundskeeper/internal/ratelimit"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger        *slog.Logger
	Chat          ChatService        // Required
	Conversations ConversationStore  // Required
	Stores        *filestore.Manager // Optional: nil disables document endpoints
	Limiter       *ratelimit.Limiter // Required
	Pool          *pgxpool.Pool      // Optional: nil disables pool stats in /ready
	CORSOrigins   []string           // Allowed origins for CORS
	TrustProxy    bool               // Trust X-Real-IP/X-Forwarded-For headers
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("rate limiter is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ch := &conversationHandler{store: cfg.Conversations, logger: logger}
	mh := &chatHandler{service: cfg.Chat, conversations: cfg.Conversations, logger: logger}

	mux := http.NewServeMux()

	// Conversation CRUD
	mux.HandleFunc("GET /api/v1/conversations", ch.list)
	mux.HandleFunc("POST /api/v1/conversations", ch.create)
	mux.HandleFunc("GET /api/v1/conversations/{id}", ch.get)
	mux.HandleFunc("GET /api/v1/conversations/{id}/messages", ch.messages)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", ch.delete)

	// Streaming chat
	mux.HandleFunc("POST /api/v1/conversations/{id}/messages", mh.send)

	// Document ingestion and store management (optional)
	if cfg.Stores != nil {
		dh := &documentHandler{manager: cfg.Stores, logger: logger}
		mux.HandleFunc("POST /api/v1/agents/{agentId}/documents", dh.upload)
		mux.HandleFunc("GET /api/v1/agents/{agentId}/documents", dh.list)
		mux.HandleFunc("DELETE /api/v1/documents/{id}", dh.delete)
		mux.HandleFunc("GET /api/v1/stores", dh.listStores)
		mux.HandleFunc("DELETE /api/v1/stores/{storeId...}", dh.deleteStore)
	}

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → User → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers. User must be before RateLimit so buckets key on
	// caller identity rather than raw connection address.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(cfg.Limiter, logger)(handler)
	handler = userMiddleware(cfg.TrustProxy)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Top-level mux keeps health probes outside the middleware stack
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
