package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/calliope-ai/groundskeeper/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLimiter_CountsDownWithinWindow(t *testing.T) {
	l := New(log.NewNop())
	defer l.Close()

	cfg := Config{Limit: 3, Window: time.Second}

	for i := 1; i <= 3; i++ {
		res := l.Check("u1", cfg)
		if !res.Allowed {
			t.Fatalf("call %d: Allowed = false, want true", i)
		}
		if want := 3 - i; res.Remaining != want {
			t.Fatalf("call %d: Remaining = %d, want %d", i, res.Remaining, want)
		}
	}

	res := l.Check("u1", cfg)
	if res.Allowed {
		t.Error("call 4: Allowed = true, want false")
	}
	if res.Remaining != 0 {
		t.Errorf("call 4: Remaining = %d, want 0", res.Remaining)
	}
}

func TestLimiter_DenialKeepsResetAt(t *testing.T) {
	l := New(log.NewNop())
	defer l.Close()

	cfg := Config{Limit: 1, Window: time.Minute}

	first := l.Check("u1", cfg)
	denied := l.Check("u1", cfg)

	if denied.Allowed {
		t.Fatal("second call: Allowed = true, want false")
	}
	if !denied.ResetAt.Equal(first.ResetAt) {
		t.Errorf("denied ResetAt = %v, want unchanged %v", denied.ResetAt, first.ResetAt)
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	l := New(log.NewNop())
	defer l.Close()

	cfg := Config{Limit: 3, Window: 50 * time.Millisecond}

	for range 4 {
		l.Check("u1", cfg)
	}

	time.Sleep(60 * time.Millisecond)

	res := l.Check("u1", cfg)
	if !res.Allowed {
		t.Fatal("after window elapsed: Allowed = false, want true")
	}
	if res.Remaining != 2 {
		t.Errorf("after window elapsed: Remaining = %d, want 2", res.Remaining)
	}
}

func TestLimiter_SeparateIdentifiers(t *testing.T) {
	l := New(log.NewNop())
	defer l.Close()

	cfg := Config{Limit: 1, Window: time.Minute}

	l.Check("chat:u1", cfg)
	if res := l.Check("chat:u1", cfg); res.Allowed {
		t.Error("chat:u1 second call: Allowed = true, want false")
	}
	if res := l.Check("chat:u2", cfg); !res.Allowed {
		t.Error("chat:u2 first call: Allowed = false, want true")
	}
}

func TestLimiter_RetryAfterFloor(t *testing.T) {
	res := Result{ResetAt: time.Now().Add(10 * time.Millisecond)}
	if got := res.RetryAfter(); got < time.Second {
		t.Errorf("RetryAfter() = %v, want at least 1s", got)
	}
}

// scriptedBackend returns canned results or errors for CheckContext tests.
type scriptedBackend struct {
	res   Result
	err   error
	calls int
}

func (s *scriptedBackend) Allow(_ context.Context, _ string, _ Config) (Result, error) {
	s.calls++
	return s.res, s.err
}

func TestLimiter_SharedBackendResultUsed(t *testing.T) {
	backend := &scriptedBackend{
		res: Result{Allowed: false, Remaining: 0, ResetAt: time.Now().Add(time.Minute)},
	}
	l := New(log.NewNop(), WithSharedBackend(backend))
	defer l.Close()

	res := l.CheckContext(context.Background(), "u1", Config{Limit: 5, Window: time.Minute})
	if res.Allowed {
		t.Error("Allowed = true, want shared backend's false")
	}
	if backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls)
	}
}

func TestLimiter_FailsOpenToLocal(t *testing.T) {
	backend := &scriptedBackend{err: errors.New("connection refused")}
	l := New(log.NewNop(), WithSharedBackend(backend))
	defer l.Close()

	cfg := Config{Limit: 2, Window: time.Minute}

	// Backend errors must not block traffic: the local counter decides.
	res := l.CheckContext(context.Background(), "u1", cfg)
	if !res.Allowed {
		t.Fatal("first fallback check: Allowed = false, want true")
	}
	if res.Remaining != 1 {
		t.Errorf("first fallback check: Remaining = %d, want 1", res.Remaining)
	}

	// The fallback is itself rate-limited: unlimited access is not granted.
	l.CheckContext(context.Background(), "u1", cfg)
	res = l.CheckContext(context.Background(), "u1", cfg)
	if res.Allowed {
		t.Error("third fallback check: Allowed = true, want false (local limit reached)")
	}
}

func TestLimiter_SweepRemovesExpiredRecords(t *testing.T) {
	l := New(log.NewNop())
	defer l.Close()

	cfg := Config{Limit: 10, Window: 10 * time.Millisecond}
	for _, id := range []string{"a", "b", "c"} {
		l.Check(id, cfg)
	}
	if got := l.size(); got != 3 {
		t.Fatalf("size() = %d, want 3", got)
	}

	time.Sleep(20 * time.Millisecond)

	// Sweep runs on a minute ticker in production; trigger the same logic
	// by checking a fresh identifier after expiry and verifying expired
	// records are treated as absent.
	res := l.Check("a", cfg)
	if !res.Allowed || res.Remaining != cfg.Limit-1 {
		t.Errorf("expired record treated as live: Allowed=%v Remaining=%d", res.Allowed, res.Remaining)
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		limit  int
		window time.Duration
	}{
		{"chat message", ChatMessage, 30, time.Minute},
		{"conversation create", ConversationCreate, 5, time.Minute},
		{"file upload", FileUpload, 10, 10 * time.Minute},
		{"api request", APIRequest, 100, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.Limit != tt.limit {
				t.Errorf("Limit = %d, want %d", tt.cfg.Limit, tt.limit)
			}
			if tt.cfg.Window != tt.window {
				t.Errorf("Window = %v, want %v", tt.cfg.Window, tt.window)
			}
		})
	}
}

// TestLimiter_LocalSequenceMatchesSlidingWindow exercises the scenario from
// the admission contract: limit 3 / 1s window, identifier "u1".
func TestLimiter_LocalSequenceMatchesSlidingWindow(t *testing.T) {
	l := New(log.NewNop())
	defer l.Close()

	cfg := Config{Limit: 3, Window: time.Second}

	wantRemaining := []int{2, 1, 0}
	for i, want := range wantRemaining {
		res := l.Check("u1", cfg)
		if !res.Allowed || res.Remaining != want {
			t.Fatalf("call %d: got (allowed=%v rem=%d), want (true rem=%d)",
				i+1, res.Allowed, res.Remaining, want)
		}
	}

	if res := l.Check("u1", cfg); res.Allowed {
		t.Fatal("call 4: Allowed = true, want false")
	}

	time.Sleep(1100 * time.Millisecond)

	if res := l.Check("u1", cfg); !res.Allowed || res.Remaining != 2 {
		t.Fatalf("call after reset: got (allowed=%v rem=%d), want (true rem=2)",
			res.Allowed, res.Remaining)
	}
}
