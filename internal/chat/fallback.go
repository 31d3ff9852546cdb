package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/peakform/coach/internal/backend"
)

// userSafeFallbackError is what the placeholder shows when the fallback path
// also fails. The real cause goes to the log, not the user.
const userSafeFallbackError = "the coaching service is unavailable right now"

// fallback re-issues the failed exchange through the single-shot endpoint
// and reconciles the result into the placeholder. Exactly one outcome
// decides the placeholder's final content: on success the reply fully
// overwrites any partial streamed text, on failure a terminal user-safe
// error does. This path never retries streaming.
func (s *Session) fallback(ctx context.Context, req backend.ChatRequest) {
	resp, err := s.backend.Chat(ctx, req)

	s.mu.Lock()
	if s.cancelled || s.state != StateFailed {
		s.mu.Unlock()
		return
	}
	i := len(s.conv.Messages) - 1
	m := s.conv.Messages[i]
	if err != nil {
		m = Apply(m, Event{Kind: EventError, Text: userSafeFallbackError})
	} else {
		m.Content = resp.Message
		m.IsStreaming = false
		s.state = StateCompleted
	}
	s.conv.Messages[i] = m
	s.conv.UpdatedAt = time.Now().UTC()
	snap := s.snapshotLocked()
	convID := s.conv.ID
	s.mu.Unlock()

	if err != nil {
		slog.Warn("fallback exchange failed", "conversation_id", convID, "error", err)
	}

	s.flushSave(snap)
	s.notify(snap)
}
