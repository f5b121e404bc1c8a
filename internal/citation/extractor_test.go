package citation

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/calliope-ai/groundskeeper/internal/conversation"
	"github.com/calliope-ai/groundskeeper/internal/filestore"
	"github.com/calliope-ai/groundskeeper/internal/log"
)

// fakeGrounder returns a canned response or error and records the store it
// was asked to search.
type fakeGrounder struct {
	resp    *genai.GenerateContentResponse
	err     error
	storeID string
	calls   int
}

func (f *fakeGrounder) GenerateGrounded(_ context.Context, _ string, _ []conversation.Turn, storeID string) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.storeID = storeID
	return f.resp, f.err
}

// fakeResolver returns a fixed handle or error.
type fakeResolver struct {
	store *filestore.Store
	err   error
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (*filestore.Store, error) {
	f.calls++
	return f.store, f.err
}

func groundedResponse(chunks ...*genai.GroundingChunk) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{GroundingMetadata: &genai.GroundingMetadata{GroundingChunks: chunks}},
		},
	}
}

var testTurns = []conversation.Turn{
	{Role: conversation.RoleUser, Content: "what are the entry requirements?"},
	{Role: conversation.RoleAssistant, Content: "You need a health certificate."},
}

func TestExtractor_ReturnsCitations(t *testing.T) {
	grounder := &fakeGrounder{
		resp: groundedResponse(
			&genai.GroundingChunk{RetrievedContext: &genai.GroundingChunkRetrievedContext{Title: "Doc A", Text: "hello"}},
		),
	}
	resolver := &fakeResolver{store: &filestore.Store{StoreID: "fileSearchStores/x"}}
	e := NewExtractor(grounder, resolver, log.NewNop())

	got := e.Extract(context.Background(), testTurns, "travel-agent", "gemini-2.5-flash", "")
	if len(got) != 1 {
		t.Fatalf("Extract() returned %d citations, want 1", len(got))
	}
	if got[0].DocumentName != "Doc A" {
		t.Errorf("DocumentName = %q, want %q", got[0].DocumentName, "Doc A")
	}
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", resolver.calls)
	}
	if grounder.storeID != "fileSearchStores/x" {
		t.Errorf("grounder store = %q, want resolved handle", grounder.storeID)
	}
}

func TestExtractor_StoreHintSkipsResolve(t *testing.T) {
	grounder := &fakeGrounder{resp: groundedResponse()}
	resolver := &fakeResolver{store: &filestore.Store{StoreID: "fileSearchStores/x"}}
	e := NewExtractor(grounder, resolver, log.NewNop())

	e.Extract(context.Background(), testTurns, "travel-agent", "gemini-2.5-flash", "fileSearchStores/hint")

	if resolver.calls != 0 {
		t.Errorf("resolver calls = %d, want 0 when hint supplied", resolver.calls)
	}
	if grounder.storeID != "fileSearchStores/hint" {
		t.Errorf("grounder store = %q, want hint", grounder.storeID)
	}
}

func TestExtractor_NeverFails(t *testing.T) {
	tests := []struct {
		name     string
		grounder *fakeGrounder
		resolver *fakeResolver
	}{
		{
			name:     "provider call errors",
			grounder: &fakeGrounder{err: errors.New("connection reset")},
			resolver: &fakeResolver{store: &filestore.Store{StoreID: "fileSearchStores/x"}},
		},
		{
			name:     "store resolution errors",
			grounder: &fakeGrounder{},
			resolver: &fakeResolver{err: errors.New("provisioning failed")},
		},
		{
			name:     "nil response",
			grounder: &fakeGrounder{resp: nil},
			resolver: &fakeResolver{store: &filestore.Store{StoreID: "fileSearchStores/x"}},
		},
		{
			name:     "no grounding metadata",
			grounder: &fakeGrounder{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}},
			resolver: &fakeResolver{store: &filestore.Store{StoreID: "fileSearchStores/x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExtractor(tt.grounder, tt.resolver, log.NewNop())

			got := e.Extract(context.Background(), testTurns, "travel-agent", "gemini-2.5-flash", "")
			if got == nil {
				t.Fatal("Extract() = nil, want empty slice")
			}
			if len(got) != 0 {
				t.Errorf("Extract() returned %d citations, want 0", len(got))
			}
		})
	}
}

func TestTurnsToContents_RoleMapping(t *testing.T) {
	contents := TurnsToContents(testTurns)
	if len(contents) != 2 {
		t.Fatalf("TurnsToContents() returned %d contents, want 2", len(contents))
	}
	if contents[0].Role != string(genai.RoleUser) {
		t.Errorf("first role = %q, want user", contents[0].Role)
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Errorf("second role = %q, want model", contents[1].Role)
	}
}
