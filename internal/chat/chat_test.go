package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/calliope-ai/groundskeeper/internal/citation"
	"github.com/calliope-ai/groundskeeper/internal/conversation"
	"github.com/calliope-ai/groundskeeper/internal/filestore"
	"github.com/calliope-ai/groundskeeper/internal/log"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResolver struct {
	store *filestore.Store
	err   error
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (*filestore.Store, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.store, nil
}

type fakeConvStore struct {
	mu        sync.Mutex
	messages  []*conversation.Message
	citations map[uuid.UUID]any
	addErr    error
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{citations: make(map[uuid.UUID]any)}
}

func (f *fakeConvStore) AddMessage(_ context.Context, conversationID uuid.UUID, role, content string) (*conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	msg := &conversation.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeConvStore) Turns(_ context.Context, _ uuid.UUID) ([]conversation.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	turns := make([]conversation.Turn, 0, len(f.messages))
	for _, m := range f.messages {
		turns = append(turns, conversation.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (f *fakeConvStore) UpdateMessageCitations(_ context.Context, messageID uuid.UUID, citations any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.citations[messageID] = citations
	return nil
}

type fakeStreamer struct {
	mu       sync.Mutex
	chunks   []string
	errs     []error // one per call, consumed in order; nil means success
	calls    int
	storeIDs []string
}

func (f *fakeStreamer) Stream(_ context.Context, _ string, _ []*genai.Content, storeID string, onChunk func(string) error) (string, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.storeIDs = append(f.storeIDs, storeID)
	f.mu.Unlock()

	if call < len(f.errs) && f.errs[call] != nil {
		return "", f.errs[call]
	}
	var full strings.Builder
	for _, c := range f.chunks {
		full.WriteString(c)
		if err := onChunk(c); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

type fakeChatExtractor struct {
	citations []citation.Citation
	done      chan struct{}
	storeID   string
}

func (f *fakeChatExtractor) Extract(_ context.Context, _ []conversation.Turn, _ string, _ string, storeIDHint string) []citation.Citation {
	f.storeID = storeIDHint
	if f.done != nil {
		close(f.done)
	}
	return f.citations
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	}
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func TestSend_StreamsAndPersistsExchange(t *testing.T) {
	resolver := &fakeResolver{store: &filestore.Store{StoreID: "fileSearchStores/abc"}}
	convs := newFakeConvStore()
	streamer := &fakeStreamer{chunks: []string{"Hello, ", "world."}}
	extractor := &fakeChatExtractor{done: make(chan struct{})}

	svc := newTestService(t, Config{
		Stores:        resolver,
		Conversations: convs,
		Streamer:      streamer,
		Extractor:     extractor,
	})

	var streamed strings.Builder
	res, err := svc.Send(context.Background(), uuid.New(), "travel-agent", "hi", func(chunk string) error {
		streamed.WriteString(chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if streamed.String() != "Hello, world." {
		t.Errorf("streamed = %q, want %q", streamed.String(), "Hello, world.")
	}
	if res.AssistantMessage.Content != "Hello, world." {
		t.Errorf("assistant content = %q, want %q", res.AssistantMessage.Content, "Hello, world.")
	}
	if res.UserMessage.Content != "hi" {
		t.Errorf("user content = %q, want %q", res.UserMessage.Content, "hi")
	}
	if res.StoreID != "fileSearchStores/abc" {
		t.Errorf("StoreID = %q, want %q", res.StoreID, "fileSearchStores/abc")
	}
	if got := streamer.storeIDs[0]; got != "fileSearchStores/abc" {
		t.Errorf("streamer storeID = %q, want %q", got, "fileSearchStores/abc")
	}
	if len(convs.messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(convs.messages))
	}

	select {
	case <-extractor.done:
	case <-time.After(time.Second):
		t.Fatal("extraction was never scheduled")
	}
	svc.Wait()
	if extractor.storeID != "fileSearchStores/abc" {
		t.Errorf("extractor hint = %q, want %q", extractor.storeID, "fileSearchStores/abc")
	}
}

func TestSend_DegradesWhenStoreResolutionFails(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("provisioning boom")}
	streamer := &fakeStreamer{chunks: []string{"ungrounded reply"}}

	svc := newTestService(t, Config{
		Stores:        resolver,
		Conversations: newFakeConvStore(),
		Streamer:      streamer,
	})

	res, err := svc.Send(context.Background(), uuid.New(), "travel-agent", "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.StoreID != "" {
		t.Errorf("StoreID = %q, want empty", res.StoreID)
	}
	if got := streamer.storeIDs[0]; got != "" {
		t.Errorf("streamer storeID = %q, want empty", got)
	}
}

func TestSend_RetriesTransientErrors(t *testing.T) {
	streamer := &fakeStreamer{
		chunks: []string{"ok"},
		errs:   []error{errors.New("503 service unavailable"), nil},
	}

	svc := newTestService(t, Config{
		Stores:        &fakeResolver{store: &filestore.Store{StoreID: "s"}},
		Conversations: newFakeConvStore(),
		Streamer:      streamer,
	})

	res, err := svc.Send(context.Background(), uuid.New(), "a", "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.AssistantMessage.Content != "ok" {
		t.Errorf("content = %q, want %q", res.AssistantMessage.Content, "ok")
	}
	if streamer.calls != 2 {
		t.Errorf("streamer calls = %d, want 2", streamer.calls)
	}
}

func TestSend_NoRetryOnPermanentError(t *testing.T) {
	streamer := &fakeStreamer{
		errs: []error{errors.New("invalid argument"), nil},
	}

	svc := newTestService(t, Config{
		Stores:        &fakeResolver{store: &filestore.Store{StoreID: "s"}},
		Conversations: newFakeConvStore(),
		Streamer:      streamer,
	})

	if _, err := svc.Send(context.Background(), uuid.New(), "a", "hi", nil); err == nil {
		t.Fatal("Send() error = nil, want error")
	}
	if streamer.calls != 1 {
		t.Errorf("streamer calls = %d, want 1", streamer.calls)
	}
}

func TestSend_CitationsStoredOnAssistantMessage(t *testing.T) {
	convs := newFakeConvStore()
	extractor := &fakeChatExtractor{
		citations: []citation.Citation{{DocumentName: "Doc A", ChunkText: "hello"}},
		done:      make(chan struct{}),
	}

	svc := newTestService(t, Config{
		Stores:        &fakeResolver{store: &filestore.Store{StoreID: "s"}},
		Conversations: convs,
		Streamer:      &fakeStreamer{chunks: []string{"answer"}},
		Extractor:     extractor,
	})

	res, err := svc.Send(context.Background(), uuid.New(), "a", "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	<-extractor.done
	svc.Wait()

	convs.mu.Lock()
	stored, ok := convs.citations[res.AssistantMessage.ID]
	convs.mu.Unlock()
	if !ok {
		t.Fatal("no citations stored for assistant message")
	}
	cits, ok := stored.([]citation.Citation)
	if !ok || len(cits) != 1 {
		t.Fatalf("stored citations = %v, want one citation", stored)
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"server error", errors.New("got 503 from upstream"), true},
		{"network", errors.New("read: connection reset by peer"), true},
		{"permanent", errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
