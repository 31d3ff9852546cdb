package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/peakform/coach/internal/backend"
	"github.com/peakform/coach/internal/chat"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps configures the local dev server. It simulates the coaching API so the
// CLI can be exercised end to end without a real backend: same routes, same
// wire frames, canned replies.
type Deps struct {
	// Token, when non-empty, requires Bearer auth on every /v1 route.
	Token string
	// FrameDelay paces the streamed deltas. Zero streams as fast as the
	// client reads.
	FrameDelay time.Duration
	// Goals served by /v1/goals. Defaults to a small demo catalog.
	Goals []backend.Goal
}

// NewHandler returns the dev server's http.Handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Goals == nil {
		deps.Goals = demoGoals()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/chat/stream", handleChatStream(deps))
		r.Post("/chat", handleChat)
		r.Get("/goals", handleGoals(deps.Goals))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// streamFrame is one "data:" payload on the wire.
type streamFrame struct {
	Delta    string         `json:"delta,omitempty"`
	Metadata *chat.Metadata `json:"metadata,omitempty"`
	Done     bool           `json:"done,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func handleChatStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		runID := uuid.New().String()
		writeFrame(w, flusher, streamFrame{Metadata: &chat.Metadata{
			Phase:  "analysis",
			Intent: classifyIntent(req.Message),
			RunID:  runID,
			Tools:  personaTools(req.Persona),
		}})

		words := splitWords(replyTo(req.Persona, req.Message))
		for i, word := range words {
			if deps.FrameDelay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(deps.FrameDelay):
				}
			}
			delta := word
			if i > 0 {
				delta = " " + word
			}
			frame := streamFrame{Delta: delta}
			// Flip to the answer phase halfway through, the way the real
			// backend does once analysis tooling finishes.
			if i == len(words)/2 {
				frame.Metadata = &chat.Metadata{Phase: "answer", RunID: runID}
			}
			writeFrame(w, flusher, frame)
		}

		writeFrame(w, flusher, streamFrame{Done: true})
	}
}

func handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"message":   replyTo(req.Persona, req.Message),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func handleGoals(goals []backend.Goal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tenant_id") == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tenant_id is required")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"goals": goals})
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (backend.ChatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req backend.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return backend.ChatRequest{}, false
	}
	if req.Message == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
		return backend.ChatRequest{}, false
	}
	if req.TenantID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "tenant_id is required")
		return backend.ChatRequest{}, false
	}
	return req, true
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, f streamFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n", payload)
	flusher.Flush()
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
