package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Metadata carries structured annotations merged into an assistant message
// while it streams. Scalar fields are overwritten by later events only when
// the newer value is non-empty; list fields accumulate by set union.
type Metadata struct {
	Phase   string   `json:"phase,omitempty"`
	Intent  string   `json:"intent,omitempty"`
	RunID   string   `json:"run_id,omitempty"`
	Tools   []string `json:"tools,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

// Message is one turn in a conversation. ID, Role, and Timestamp are fixed
// at creation; Content grows monotonically while IsStreaming is true.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"is_streaming,omitempty"`
	Metadata    *Metadata `json:"metadata,omitempty"`
}

// Conversation is one coaching thread. It belongs to exactly one tenant and
// holds its messages in creation order.
type Conversation struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Title        string    `json:"title,omitempty"`
	Persona      string    `json:"persona,omitempty"`
	LinkedGoalID string    `json:"linked_goal_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Messages     []Message `json:"messages"`
}

// NewConversation creates an empty thread for the given tenant.
func NewConversation(tenantID, persona string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep-enough copy for snapshotting: the message slice is
// copied, and Metadata values are treated as immutable once attached.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

// StreamingCount returns how many messages are currently streaming. The
// session keeps this at 0 or 1 at all times.
func (c *Conversation) StreamingCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.IsStreaming {
			n++
		}
	}
	return n
}

const titleMaxRunes = 48

// deriveTitle builds a thread title from the first user message: whitespace
// collapsed, trimmed to titleMaxRunes, cut back to a word boundary when one
// exists.
func deriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:titleMaxRunes])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
