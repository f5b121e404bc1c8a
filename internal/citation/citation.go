// Package citation recovers source attributions for finished conversation
// turns.
//
// The primary streaming transport does not surface grounding metadata, so
// after a turn completes the conversation is re-issued to the provider in a
// single non-streaming call with the retrieval tool enabled, purely to read
// the grounding chunks off the response. Citations are an enhancement, never
// a correctness requirement: every failure path collapses to an empty list.
package citation

import (
	"strings"

	"google.golang.org/genai"
)

// Citation is one normalized piece of grounding evidence. Two citations
// with the same (DocumentName, ChunkText) pair are duplicates.
type Citation struct {
	DocumentName string   `json:"documentName"`
	ChunkText    string   `json:"chunkText"`
	StartIndex   *int     `json:"startIndex,omitempty"`
	EndIndex     *int     `json:"endIndex,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

// unknownDocument is the fallback name when a chunk carries no usable
// title or URI.
const unknownDocument = "Unknown Document"

// parseChunks maps provider grounding chunks to citations and collapses
// duplicates, preserving first-seen order.
//
// Provider schemas are partial and evolving: every nested field is
// optional, so each chunk is mapped through an explicit fallback chain
// rather than deep property access.
func parseChunks(chunks []*genai.GroundingChunk) []Citation {
	citations := make([]Citation, 0, len(chunks))

	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}

		c, ok := chunkToCitation(chunk)
		if !ok {
			continue
		}
		citations = append(citations, c)
	}

	return dedupe(citations)
}

// chunkToCitation derives one citation from a grounding chunk, or reports
// that the chunk carries no usable text.
//
// Document name preference: retrieved-context title, web title,
// retrieved-context URI, web URI, then a literal fallback. Chunk text
// prefers retrieved-context text, falling back to the web URI.
func chunkToCitation(chunk *genai.GroundingChunk) (Citation, bool) {
	var rcTitle, rcURI, rcText, webTitle, webURI string
	if rc := chunk.RetrievedContext; rc != nil {
		rcTitle, rcURI, rcText = rc.Title, rc.URI, rc.Text
	}
	if web := chunk.Web; web != nil {
		webTitle, webURI = web.Title, web.URI
	}

	name := firstNonEmpty(rcTitle, webTitle, rcURI, webURI, unknownDocument)
	text := firstNonEmpty(rcText, webURI)

	if strings.TrimSpace(text) == "" {
		return Citation{}, false
	}
	return Citation{DocumentName: name, ChunkText: text}, true
}

// dedupe removes citations whose (DocumentName, ChunkText) pair has already
// been seen, keeping first-seen order.
func dedupe(citations []Citation) []Citation {
	seen := make(map[string]struct{}, len(citations))
	unique := make([]Citation, 0, len(citations))

	for _, c := range citations {
		key := c.DocumentName + ":" + c.ChunkText
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, c)
	}
	return unique
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
