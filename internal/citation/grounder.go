package citation

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/calliope-ai/groundskeeper/internal/conversation"
)

// GeminiGrounder issues citation-focused generation calls through the
// native provider SDK with the File Search tool attached, which is the
// only transport that exposes grounding metadata.
type GeminiGrounder struct {
	client *genai.Client
}

// NewGeminiGrounder wraps an existing genai client.
func NewGeminiGrounder(client *genai.Client) *GeminiGrounder {
	return &GeminiGrounder{client: client}
}

// GenerateGrounded re-issues the conversation non-streaming against the
// given retrieval store and returns the raw provider response.
func (g *GeminiGrounder) GenerateGrounded(ctx context.Context, model string, turns []conversation.Turn, storeID string) (*genai.GenerateContentResponse, error) {
	contents := TurnsToContents(turns)

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		Tools: []*genai.Tool{
			{
				FileSearch: &genai.FileSearch{
					FileSearchStoreNames: []string{storeID},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("grounded generation: %w", err)
	}
	return resp, nil
}

// TurnsToContents converts neutral conversation turns to the provider's
// content format. Any role other than "user" maps to the model role.
func TurnsToContents(turns []conversation.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		var role genai.Role = genai.RoleModel
		if turn.Role == conversation.RoleUser {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	return contents
}
