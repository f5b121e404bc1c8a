package citation

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/calliope-ai/groundskeeper/internal/conversation"
	"github.com/calliope-ai/groundskeeper/internal/filestore"
)

// Grounder issues the citation-focused generation call. Implemented by
// GeminiGrounder in production and by fakes in tests.
type Grounder interface {
	GenerateGrounded(ctx context.Context, model string, turns []conversation.Turn, storeID string) (*genai.GenerateContentResponse, error)
}

// StoreResolver maps an agent to its retrieval store handle.
// *filestore.Manager satisfies this.
type StoreResolver interface {
	Resolve(ctx context.Context, agentID string) (*filestore.Store, error)
}

// Extractor recovers citations for completed turns.
//
// Extractor is safe for concurrent use by multiple goroutines.
type Extractor struct {
	grounder Grounder
	stores   StoreResolver
	logger   *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(grounder Grounder, stores StoreResolver, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{grounder: grounder, stores: stores, logger: logger}
}

// Extract re-issues the conversation with the retrieval tool enabled and
// returns the deduplicated citations from the response's grounding
// metadata.
//
// storeIDHint, when non-empty, skips the store resolution the caller
// already performed for the primary generation call.
//
// Extract never fails: any error along the way is logged and yields an
// empty list, because citations only ever add to an answer that has
// already been delivered.
func (e *Extractor) Extract(ctx context.Context, turns []conversation.Turn, agentID, model, storeIDHint string) []Citation {
	start := time.Now()

	storeID := storeIDHint
	if storeID == "" {
		store, err := e.stores.Resolve(ctx, agentID)
		if err != nil {
			e.logger.Error("citation extraction: store resolution failed",
				"agent_id", agentID,
				"error", err,
			)
			return []Citation{}
		}
		storeID = store.StoreID
	}

	resp, err := e.grounder.GenerateGrounded(ctx, model, turns, storeID)
	if err != nil {
		e.logger.Error("citation extraction: grounded generation failed",
			"agent_id", agentID,
			"duration", time.Since(start),
			"error", err,
		)
		return []Citation{}
	}

	chunks := groundingChunks(resp)
	if len(chunks) == 0 {
		e.logger.Debug("citation extraction: no grounding metadata in response",
			"agent_id", agentID,
		)
		return []Citation{}
	}

	citations := parseChunks(chunks)

	e.logger.Debug("citations extracted",
		"agent_id", agentID,
		"count", len(citations),
		"duration", time.Since(start),
	)
	return citations
}

// groundingChunks digs the chunk list out of the first candidate,
// tolerating absent metadata at every level.
func groundingChunks(resp *genai.GenerateContentResponse) []*genai.GroundingChunk {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	meta := resp.Candidates[0].GroundingMetadata
	if meta == nil {
		return nil
	}
	return meta.GroundingChunks
}
