package chat

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Streamer produces a streamed model response for a conversation history,
// grounded against a file search store when storeID is non-empty. onChunk is
// invoked for each text fragment as it arrives; the full concatenated text is
// returned once the stream completes.
type Streamer interface {
	Stream(ctx context.Context, model string, contents []*genai.Content, storeID string, onChunk func(text string) error) (string, error)
}

// GeminiStreamer streams responses from the Gemini API.
type GeminiStreamer struct {
	client *genai.Client
}

// NewGeminiStreamer wraps an authenticated genai client.
func NewGeminiStreamer(client *genai.Client) *GeminiStreamer {
	return &GeminiStreamer{client: client}
}

// Stream implements Streamer using GenerateContentStream. When storeID is set
// the request carries the FileSearch tool so the model retrieves from the
// agent's document store.
func (g *GeminiStreamer) Stream(ctx context.Context, model string, contents []*genai.Content, storeID string, onChunk func(text string) error) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if storeID != "" {
		cfg.Tools = []*genai.Tool{
			{
				FileSearch: &genai.FileSearch{
					FileSearchStoreNames: []string{storeID},
				},
			},
		}
	}

	var full strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return full.String(), fmt.Errorf("streaming generation: %w", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		full.WriteString(text)
		if onChunk != nil {
			if err := onChunk(text); err != nil {
				return full.String(), fmt.Errorf("delivering chunk: %w", err)
			}
		}
	}
	return full.String(), nil
}
