package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no conversation visible to
// the caller's tenant.
var ErrNotFound = errors.New("not found")

// Summary is the listing view of a conversation: enough to render a thread
// picker without loading message bodies.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Persona      string    `json:"persona"`
	LinkedGoalID string    `json:"linked_goal_id,omitempty"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}
