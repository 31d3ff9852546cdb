package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peakform/coach/internal/backend"
)

type fakeBackend struct {
	mu         sync.Mutex
	streamFn   func(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
	chatFn     func(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error)
	streamReqs []backend.ChatRequest
	chatReqs   []backend.ChatRequest
}

func (f *fakeBackend) StreamChat(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.streamReqs = append(f.streamReqs, req)
	f.mu.Unlock()
	return f.streamFn(ctx, req)
}

func (f *fakeBackend) Chat(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error) {
	f.mu.Lock()
	f.chatReqs = append(f.chatReqs, req)
	f.mu.Unlock()
	if f.chatFn == nil {
		return backend.ChatResponse{}, errors.New("no single-shot handler configured")
	}
	return f.chatFn(ctx, req)
}

// staticStream serves a fixed body, the common case for tests that do not
// need to pace the stream.
func staticStream(body string) func(context.Context, backend.ChatRequest) (io.ReadCloser, error) {
	return func(context.Context, backend.ChatRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

// scriptedBody is a response body fed frame by frame from a channel. Read
// unblocks when the request context is cancelled, like a real HTTP body.
type scriptedBody struct {
	ctx    context.Context
	frames chan string
	buf    []byte
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		select {
		case s, ok := <-b.frames:
			if !ok {
				return 0, io.EOF
			}
			b.buf = []byte(s)
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *scriptedBody) Close() error { return nil }

type memStore struct {
	mu    sync.Mutex
	saves []Conversation
}

func (m *memStore) Save(c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, c)
	return nil
}

func (m *memStore) snapshot() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conversation, len(m.saves))
	copy(out, m.saves)
	return out
}

func waitFor(t *testing.T, updates <-chan Conversation, cond func(Conversation) bool) Conversation {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-updates:
			if cond(c) {
				return c
			}
		case <-deadline:
			t.Fatal("timed out waiting for session update")
		}
	}
}

func TestSession_StreamingHappyPath(t *testing.T) {
	be := &fakeBackend{
		streamFn: staticStream("data: {\"metadata\":{\"phase\":\"analysis\",\"tools\":[\"goal_tracker\"]}}\n" +
			"data: {\"delta\":\"Hello\"}\n" +
			"data: {\"delta\":\" there\",\"metadata\":{\"phase\":\"answer\",\"tools\":[\"cashflow\"]}}\n" +
			"data: {\"done\":true}\n"),
	}
	store := &memStore{}
	var events []string
	s := NewSession(SessionOptions{
		Backend:  be,
		Store:    store,
		TenantID: "acme",
		Persona:  "coach",
		OnUpdate: func(c Conversation) {
			if n := c.StreamingCount(); n > 1 {
				t.Errorf("snapshot has %d streaming messages, want at most 1", n)
			}
		},
		Emit: func(name string, _ map[string]any) { events = append(events, name) },
	})

	if err := s.Send(context.Background(), "How is my revenue trending?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := s.State(); got != StateCompleted {
		t.Errorf("State = %q, want %q", got, StateCompleted)
	}

	conv := s.Conversation()
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv.Messages))
	}
	user, reply := conv.Messages[0], conv.Messages[1]
	if user.Role != RoleUser || user.Content != "How is my revenue trending?" {
		t.Errorf("user message = %+v", user)
	}
	if reply.Role != RoleAssistant || reply.Content != "Hello there" {
		t.Errorf("assistant content = %q, want %q", reply.Content, "Hello there")
	}
	if reply.IsStreaming {
		t.Error("assistant message still streaming after done")
	}
	if reply.Metadata == nil || reply.Metadata.Phase != "answer" {
		t.Errorf("metadata = %+v, want merged phase %q", reply.Metadata, "answer")
	}
	if got := reply.Metadata.Tools; len(got) != 2 || got[0] != "goal_tracker" || got[1] != "cashflow" {
		t.Errorf("tools = %v, want union in arrival order", got)
	}
	if conv.Title != "How is my revenue trending?" {
		t.Errorf("Title = %q", conv.Title)
	}

	saves := store.snapshot()
	if len(saves) == 0 {
		t.Fatal("no snapshot persisted")
	}
	last := saves[len(saves)-1]
	if last.Messages[1].Content != "Hello there" || last.Messages[1].IsStreaming {
		t.Errorf("persisted snapshot lags terminal state: %+v", last.Messages[1])
	}

	wantEvents := map[string]bool{"session_started": false, "stream_completed": false}
	for _, e := range events {
		if _, ok := wantEvents[e]; ok {
			wantEvents[e] = true
		}
	}
	for name, seen := range wantEvents {
		if !seen {
			t.Errorf("telemetry event %q not emitted (got %v)", name, events)
		}
	}
}

func TestSession_EmptyMessageRejected(t *testing.T) {
	s := NewSession(SessionOptions{Backend: &fakeBackend{}, TenantID: "acme"})

	if err := s.Send(context.Background(), "   \n\t"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Send = %v, want ErrEmptyMessage", err)
	}
	if n := len(s.Conversation().Messages); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
}

func TestSession_SecondSendWhileStreamingIsBusy(t *testing.T) {
	frames := make(chan string, 8)
	be := &fakeBackend{
		streamFn: func(ctx context.Context, _ backend.ChatRequest) (io.ReadCloser, error) {
			return &scriptedBody{ctx: ctx, frames: frames}, nil
		},
	}
	updates := make(chan Conversation, 64)
	s := NewSession(SessionOptions{
		Backend:  be,
		TenantID: "acme",
		OnUpdate: func(c Conversation) { updates <- c },
	})

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "first") }()

	frames <- "data: {\"delta\":\"thinking\"}\n"
	waitFor(t, updates, func(c Conversation) bool {
		return len(c.Messages) == 2 && c.Messages[1].Content == "thinking"
	})

	if err := s.Send(context.Background(), "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Send = %v, want ErrBusy", err)
	}

	frames <- "data: {\"done\":true}\n"
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	conv := s.Conversation()
	if len(conv.Messages) != 2 {
		t.Errorf("got %d messages, want 2; the rejected Send must not place a pair", len(conv.Messages))
	}
}

func TestSession_CancelRemovesPlaceholderKeepsUserMessage(t *testing.T) {
	frames := make(chan string, 8)
	be := &fakeBackend{
		streamFn: func(ctx context.Context, _ backend.ChatRequest) (io.ReadCloser, error) {
			return &scriptedBody{ctx: ctx, frames: frames}, nil
		},
	}
	store := &memStore{}
	updates := make(chan Conversation, 64)
	s := NewSession(SessionOptions{
		Backend:  be,
		Store:    store,
		TenantID: "acme",
		OnUpdate: func(c Conversation) { updates <- c },
	})

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "never mind") }()

	frames <- "data: {\"delta\":\"Hel\"}\n"
	waitFor(t, updates, func(c Conversation) bool {
		return len(c.Messages) == 2 && c.Messages[1].Content == "Hel"
	})

	s.Cancel()
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := s.State(); got != StateCancelled {
		t.Errorf("State = %q, want %q", got, StateCancelled)
	}
	conv := s.Conversation()
	if len(conv.Messages) != 1 {
		t.Fatalf("got %d messages, want just the user message", len(conv.Messages))
	}
	if conv.Messages[0].Role != RoleUser || conv.Messages[0].Content != "never mind" {
		t.Errorf("remaining message = %+v", conv.Messages[0])
	}

	saves := store.snapshot()
	if len(saves) == 0 {
		t.Fatal("cancellation did not flush a snapshot")
	}
	if last := saves[len(saves)-1]; len(last.Messages) != 1 {
		t.Errorf("persisted snapshot has %d messages, want 1", len(last.Messages))
	}

	// Terminal state, further cancels are no-ops.
	s.Cancel()
	if got := s.State(); got != StateCancelled {
		t.Errorf("State after repeated Cancel = %q, want %q", got, StateCancelled)
	}
}

func TestSession_CancelWinsOverLateDone(t *testing.T) {
	frames := make(chan string, 8)
	be := &fakeBackend{
		streamFn: func(ctx context.Context, _ backend.ChatRequest) (io.ReadCloser, error) {
			return &scriptedBody{ctx: ctx, frames: frames}, nil
		},
	}
	updates := make(chan Conversation, 64)
	s := NewSession(SessionOptions{
		Backend:  be,
		TenantID: "acme",
		OnUpdate: func(c Conversation) { updates <- c },
	})

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "race me") }()

	frames <- "data: {\"delta\":\"partial\"}\n"
	waitFor(t, updates, func(c Conversation) bool {
		return len(c.Messages) == 2 && c.Messages[1].Content == "partial"
	})

	s.Cancel()
	// A done frame still in flight must not resurrect the exchange.
	frames <- "data: {\"done\":true}\n"
	close(frames)
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := s.State(); got != StateCancelled {
		t.Errorf("State = %q, want %q", got, StateCancelled)
	}
	if n := len(s.Conversation().Messages); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
}

func TestSession_FallbackReplacesPartialContent(t *testing.T) {
	be := &fakeBackend{
		streamFn: staticStream("data: {\"delta\":\"Hel\"}\n" +
			"data: {\"error\":\"model overloaded\"}\n"),
		chatFn: func(_ context.Context, _ backend.ChatRequest) (backend.ChatResponse, error) {
			return backend.ChatResponse{Message: "Hello!", Timestamp: time.Now().UTC()}, nil
		},
	}
	s := NewSession(SessionOptions{Backend: be, TenantID: "acme", Persona: "coach"})

	if err := s.Send(context.Background(), "greet me"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	conv := s.Conversation()
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv.Messages))
	}
	reply := conv.Messages[1]
	if reply.Content != "Hello!" {
		t.Errorf("Content = %q, want the fallback reply to fully replace the partial text", reply.Content)
	}
	if reply.IsStreaming {
		t.Error("assistant message still streaming after fallback")
	}
	if got := s.State(); got != StateCompleted {
		t.Errorf("State = %q, want %q", got, StateCompleted)
	}

	if len(be.chatReqs) != 1 {
		t.Fatalf("single-shot endpoint called %d times, want 1", len(be.chatReqs))
	}
	req := be.chatReqs[0]
	if req.Message != "greet me" || req.Persona != "coach" || len(req.History) != 0 {
		t.Errorf("fallback request = %+v", req)
	}
}

func TestSession_TransportFailureFallsBackWithoutPartialState(t *testing.T) {
	be := &fakeBackend{
		streamFn: func(_ context.Context, _ backend.ChatRequest) (io.ReadCloser, error) {
			return nil, errors.New("connection refused")
		},
		chatFn: func(_ context.Context, _ backend.ChatRequest) (backend.ChatResponse, error) {
			return backend.ChatResponse{Message: "Plan B"}, nil
		},
	}
	s := NewSession(SessionOptions{Backend: be, TenantID: "acme"})

	if err := s.Send(context.Background(), "hello?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	conv := s.Conversation()
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv.Messages))
	}
	if conv.Messages[1].Content != "Plan B" {
		t.Errorf("Content = %q, want %q", conv.Messages[1].Content, "Plan B")
	}
	if len(be.streamReqs) != 1 || len(be.chatReqs) != 1 {
		t.Errorf("stream calls = %d, chat calls = %d, want 1 and 1; fallback must not retry streaming",
			len(be.streamReqs), len(be.chatReqs))
	}
}

func TestSession_FallbackFailureShowsUserSafeError(t *testing.T) {
	cause := errors.New("backend exploded: stack trace, internal hostnames")
	be := &fakeBackend{
		streamFn: func(_ context.Context, _ backend.ChatRequest) (io.ReadCloser, error) {
			return nil, errors.New("connection refused")
		},
		chatFn: func(_ context.Context, _ backend.ChatRequest) (backend.ChatResponse, error) {
			return backend.ChatResponse{}, cause
		},
	}
	s := NewSession(SessionOptions{Backend: be, TenantID: "acme"})

	if err := s.Send(context.Background(), "hello?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := s.State(); got != StateFailed {
		t.Errorf("State = %q, want %q", got, StateFailed)
	}
	conv := s.Conversation()
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(conv.Messages))
	}
	reply := conv.Messages[1]
	if reply.IsStreaming {
		t.Error("assistant message still streaming after terminal failure")
	}
	if !strings.Contains(reply.Content, "unavailable right now") {
		t.Errorf("Content = %q, want the user-safe explanation", reply.Content)
	}
	if strings.Contains(reply.Content, "stack trace") {
		t.Errorf("Content = %q leaks the internal error", reply.Content)
	}
}

func TestSession_SecondExchangeCarriesHistory(t *testing.T) {
	be := &fakeBackend{
		streamFn: staticStream("data: {\"delta\":\"Answer\"}\ndata: {\"done\":true}\n"),
	}
	s := NewSession(SessionOptions{Backend: be, TenantID: "acme"})

	if err := s.Send(context.Background(), "first question"); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := s.Send(context.Background(), "second question"); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	conv := s.Conversation()
	if len(conv.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(conv.Messages))
	}
	if conv.Title != "first question" {
		t.Errorf("Title = %q, the title is fixed by the first exchange", conv.Title)
	}

	if len(be.streamReqs) != 2 {
		t.Fatalf("got %d stream requests, want 2", len(be.streamReqs))
	}
	hist := be.streamReqs[1].History
	if len(hist) != 2 {
		t.Fatalf("second request carries %d history turns, want 2", len(hist))
	}
	if hist[0].Role != "user" || hist[0].Content != "first question" {
		t.Errorf("history[0] = %+v", hist[0])
	}
	if hist[1].Role != "assistant" || hist[1].Content != "Answer" {
		t.Errorf("history[1] = %+v", hist[1])
	}
}

func TestSession_SavesAreDebouncedAndFlushedOnCompletion(t *testing.T) {
	be := &fakeBackend{
		streamFn: staticStream("data: {\"delta\":\"a\"}\n" +
			"data: {\"delta\":\"b\"}\n" +
			"data: {\"delta\":\"c\"}\n" +
			"data: {\"done\":true}\n"),
	}
	store := &memStore{}
	s := NewSession(SessionOptions{
		Backend:   be,
		Store:     store,
		TenantID:  "acme",
		SaveDelay: time.Hour, // only the terminal flush can write
	})

	if err := s.Send(context.Background(), "spell abc"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	saves := store.snapshot()
	if len(saves) != 1 {
		t.Fatalf("got %d writes, want the per-delta writes coalesced into 1", len(saves))
	}
	if got := saves[0].Messages[1].Content; got != "abc" {
		t.Errorf("persisted content = %q, want %q", got, "abc")
	}
	if saves[0].Messages[1].IsStreaming {
		t.Error("persisted snapshot still marked streaming")
	}
}

func TestSession_DebounceTimerWritesMidStream(t *testing.T) {
	frames := make(chan string, 8)
	be := &fakeBackend{
		streamFn: func(ctx context.Context, _ backend.ChatRequest) (io.ReadCloser, error) {
			return &scriptedBody{ctx: ctx, frames: frames}, nil
		},
	}
	store := &memStore{}
	updates := make(chan Conversation, 64)
	s := NewSession(SessionOptions{
		Backend:   be,
		Store:     store,
		TenantID:  "acme",
		SaveDelay: 10 * time.Millisecond,
		OnUpdate:  func(c Conversation) { updates <- c },
	})

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), "stream slowly") }()

	frames <- "data: {\"delta\":\"partial\"}\n"
	waitFor(t, updates, func(c Conversation) bool {
		return len(c.Messages) == 2 && c.Messages[1].Content == "partial"
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(store.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("debounce timer never wrote a snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frames <- "data: {\"done\":true}\n"
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	saves := store.snapshot()
	last := saves[len(saves)-1]
	if last.Messages[1].IsStreaming || last.Messages[1].Content != "partial" {
		t.Errorf("final snapshot = %+v, want the flushed terminal state", last.Messages[1])
	}
}
