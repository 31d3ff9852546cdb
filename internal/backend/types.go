package backend

import "time"

// HistoryMessage is one prior conversation turn sent as context with a chat
// request.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the payload shared by the streaming and single-shot chat
// endpoints. The two endpoints accept the same logical request; only the
// response channel differs.
type ChatRequest struct {
	Message  string           `json:"message"`
	History  []HistoryMessage `json:"conversation_history"`
	Persona  string           `json:"persona,omitempty"`
	TenantID string           `json:"tenant_id"`
	GoalID   string           `json:"goal_id,omitempty"`
}

// ChatResponse is the body returned by the single-shot chat endpoint.
type ChatResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Goal is one coaching goal as returned by the goals endpoint. Only the
// fields needed for linking a conversation are decoded.
type Goal struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type goalList struct {
	Goals []Goal `json:"goals"`
}
