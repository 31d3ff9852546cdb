package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peakform/coach/internal/backend"
)

// State identifies where a session is in its exchange lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

var (
	// ErrEmptyMessage is returned by Send for input that is blank after trimming.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned by Send while another exchange is in flight for
	// the same conversation.
	ErrBusy = errors.New("an exchange is already in flight for this conversation")
)

// Backend is the slice of the coaching API a session depends on.
type Backend interface {
	StreamChat(ctx context.Context, req backend.ChatRequest) (io.ReadCloser, error)
	Chat(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error)
}

// Store persists conversation snapshots. Every call carries a complete,
// self-consistent snapshot of the thread, never an incremental patch.
type Store interface {
	Save(c Conversation) error
}

// Emitter sends best-effort telemetry. Implementations must not block; the
// session never checks for failure.
type Emitter func(event string, fields map[string]any)

const defaultSaveDelay = 75 * time.Millisecond

// SessionOptions configures a Session. Backend is required; everything else
// is optional.
type SessionOptions struct {
	Backend Backend
	Store   Store
	// Conversation continues an existing thread; nil starts a new one for
	// TenantID/Persona/GoalID.
	Conversation *Conversation
	TenantID     string
	Persona      string
	GoalID       string
	// OnUpdate is the re-render signal, called with a snapshot after every
	// mutation of the thread. Calls may be coalesced upstream; the final
	// snapshot always reflects the terminal state.
	OnUpdate func(Conversation)
	Emit     Emitter
	// SaveDelay is the debounce window for snapshot writes; terminal
	// transitions always flush immediately.
	SaveDelay time.Duration
}

// Session owns one conversation thread: it drives the in-flight exchange,
// folds decoded stream events into the placeholder assistant message through
// Apply, and snapshots the thread to the store on every mutating transition.
//
// At most one exchange is in flight at a time; a second Send while one is
// sending or streaming is rejected with ErrBusy. All mutation happens under
// mu, so Cancel may be called from any goroutine.
type Session struct {
	backend   Backend
	store     Store
	onUpdate  func(Conversation)
	emitFn    Emitter
	saveDelay time.Duration

	mu        sync.Mutex
	conv      *Conversation
	state     State
	cancel    context.CancelFunc
	cancelled bool
	placed    bool

	saveTimer   *time.Timer
	pendingSave *Conversation
}

// NewSession creates a session over a new or existing conversation.
func NewSession(opts SessionOptions) *Session {
	conv := opts.Conversation
	if conv == nil {
		conv = NewConversation(opts.TenantID, opts.Persona)
		conv.LinkedGoalID = opts.GoalID
	}
	delay := opts.SaveDelay
	if delay <= 0 {
		delay = defaultSaveDelay
	}
	return &Session{
		backend:   opts.Backend,
		store:     opts.Store,
		onUpdate:  opts.OnUpdate,
		emitFn:    opts.Emit,
		saveDelay: delay,
		conv:      conv,
		state:     StateIdle,
	}
}

// Conversation returns a snapshot of the thread.
func (s *Session) Conversation() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Clone()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send runs one complete exchange for text and blocks until it reaches a
// terminal state. The user message and assistant placeholder are appended
// only once the transport confirms a readable body, so a failure before any
// response leaves no placeholder behind.
//
// Send returns an error only when the input is rejected (ErrEmptyMessage,
// ErrBusy). Transport and protocol failures never escape: they are absorbed
// into the placeholder through the fallback path, so the thread always ends
// in a well-formed terminal message state.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state == StateSending || s.state == StateStreaming {
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateSending
	s.cancelled = false
	s.placed = false
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()
	req := s.requestLocked(text)
	convID, persona := s.conv.ID, s.conv.Persona
	s.mu.Unlock()

	s.emitEvent("session_started", map[string]any{"conversation_id": convID, "persona": persona})

	body, err := s.backend.StreamChat(ctx, req)
	if err != nil {
		s.fail(ctx, req, text, err)
		return nil
	}
	defer body.Close()

	s.beginStreaming(text)

	dec := NewDecoder(body)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			// Clean end of stream, with or without an explicit done frame.
			s.complete()
			return nil
		}
		if err != nil {
			s.fail(ctx, req, text, err)
			return nil
		}

		switch ev.Kind {
		case EventDone:
			s.complete()
			return nil
		case EventError:
			s.fail(ctx, req, text, errors.New(ev.Text))
			return nil
		default:
			if !s.apply(ev) {
				// Cancelled mid-stream; no further reads.
				return nil
			}
		}
	}
}

// Cancel aborts the in-flight exchange. The assistant placeholder is removed
// so the thread reads as if the exchange never happened, except for the
// already-sent user message, which is kept. Cancel wins a same-tick race
// against a done event: the flag is checked under the lock before any event
// application or completion. Calling Cancel on a terminal session is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != StateSending && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.placed {
		if i := len(s.conv.Messages) - 1; i >= 0 {
			if m := s.conv.Messages[i]; m.Role == RoleAssistant && m.IsStreaming {
				s.conv.Messages = s.conv.Messages[:i]
			}
		}
	}
	s.state = StateCancelled
	s.conv.UpdatedAt = time.Now().UTC()
	snap := s.snapshotLocked()
	convID := s.conv.ID
	s.mu.Unlock()

	s.flushSave(snap)
	s.notify(snap)
	s.emitEvent("stream_cancelled", map[string]any{"conversation_id": convID})
}

// beginStreaming transitions sending -> streaming: the user message and the
// empty assistant placeholder are appended as a pair.
func (s *Session) beginStreaming(text string) {
	s.mu.Lock()
	if s.cancelled || s.state != StateSending {
		s.mu.Unlock()
		return
	}
	s.state = StateStreaming
	s.placeLocked(text)
	snap := s.touchLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// placeLocked appends the user message and assistant placeholder, deriving
// the thread title from the first exchange.
func (s *Session) placeLocked(text string) {
	now := time.Now().UTC()
	s.conv.Messages = append(s.conv.Messages,
		Message{ID: uuid.New().String(), Role: RoleUser, Content: text, Timestamp: now},
		Message{ID: uuid.New().String(), Role: RoleAssistant, Timestamp: now, IsStreaming: true},
	)
	s.placed = true
	if s.conv.Title == "" {
		s.conv.Title = deriveTitle(text)
	}
}

// apply folds one non-terminal event into the placeholder. It reports false
// when the session is no longer streaming (cancelled or already terminal),
// which suppresses events still in flight.
func (s *Session) apply(ev Event) bool {
	s.mu.Lock()
	if s.cancelled || s.state != StateStreaming {
		s.mu.Unlock()
		return false
	}
	i := len(s.conv.Messages) - 1
	s.conv.Messages[i] = Apply(s.conv.Messages[i], ev)
	snap := s.touchLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// complete finishes the exchange cleanly. Idempotent: a second terminal
// transition (including one racing a cancellation) is a no-op.
func (s *Session) complete() {
	s.mu.Lock()
	if s.cancelled || s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	i := len(s.conv.Messages) - 1
	s.conv.Messages[i] = Apply(s.conv.Messages[i], Event{Kind: EventDone})
	s.state = StateCompleted
	s.conv.UpdatedAt = time.Now().UTC()
	snap := s.snapshotLocked()
	convID := s.conv.ID
	s.mu.Unlock()

	s.flushSave(snap)
	s.notify(snap)
	s.emitEvent("stream_completed", map[string]any{"conversation_id": convID})
}

// fail abandons the streaming path and hands the exchange to the fallback
// dispatcher. If the failure happened before any response body (no
// placeholder yet), the message pair is appended here so the fallback has a
// placeholder to reconcile into. No-op when cancelled or already terminal.
func (s *Session) fail(ctx context.Context, req backend.ChatRequest, text string, cause error) {
	s.mu.Lock()
	if s.cancelled || (s.state != StateSending && s.state != StateStreaming) {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	if !s.placed {
		s.placeLocked(text)
	}
	snap := s.touchLocked()
	convID := s.conv.ID
	s.mu.Unlock()

	s.notify(snap)
	slog.Warn("streaming exchange failed, falling back to single-shot", "conversation_id", convID, "error", cause)
	s.emitEvent("stream_fallback", map[string]any{"conversation_id": convID, "error": cause.Error()})

	s.fallback(ctx, req)
}

// requestLocked snapshots the thread into a wire request. The history holds
// the turns before this exchange; the new user message travels separately.
func (s *Session) requestLocked(text string) backend.ChatRequest {
	hist := make([]backend.HistoryMessage, 0, len(s.conv.Messages))
	for _, m := range s.conv.Messages {
		hist = append(hist, backend.HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return backend.ChatRequest{
		Message:  text,
		History:  hist,
		Persona:  s.conv.Persona,
		TenantID: s.conv.TenantID,
		GoalID:   s.conv.LinkedGoalID,
	}
}

// touchLocked refreshes UpdatedAt, schedules a debounced snapshot write, and
// returns the snapshot for notification.
func (s *Session) touchLocked() Conversation {
	s.conv.UpdatedAt = time.Now().UTC()
	snap := s.snapshotLocked()
	s.scheduleSaveLocked(snap)
	return snap
}

func (s *Session) snapshotLocked() Conversation {
	return s.conv.Clone()
}

// scheduleSaveLocked coalesces high-frequency writes (one per delta in the
// worst case) behind a short timer. The latest snapshot wins.
func (s *Session) scheduleSaveLocked(snap Conversation) {
	if s.store == nil {
		return
	}
	s.pendingSave = &snap
	if s.saveTimer == nil {
		s.saveTimer = time.AfterFunc(s.saveDelay, s.savePending)
	}
}

func (s *Session) savePending() {
	s.mu.Lock()
	snap := s.pendingSave
	s.pendingSave = nil
	s.saveTimer = nil
	s.mu.Unlock()

	if snap == nil {
		return
	}
	s.save(*snap)
}

// flushSave writes a snapshot immediately, superseding any pending debounced
// write. Used on terminal transitions so the durable state never lags the
// final state.
func (s *Session) flushSave(snap Conversation) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.pendingSave = nil
	s.mu.Unlock()

	s.save(snap)
}

func (s *Session) save(snap Conversation) {
	if err := s.store.Save(snap); err != nil {
		slog.Warn("saving conversation snapshot", "conversation_id", snap.ID, "error", err)
	}
}

func (s *Session) notify(snap Conversation) {
	if s.onUpdate != nil {
		s.onUpdate(snap)
	}
}

func (s *Session) emitEvent(name string, fields map[string]any) {
	if s.emitFn != nil {
		s.emitFn(name, fields)
	}
}
