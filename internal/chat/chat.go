// Package chat defines the conversation domain model and its PostgreSQL
// persistence.
//
// A Chat is an ordered sequence of Messages exchanged between a user and
// an assistant. Messages are immutable once their status is
// StatusComplete; interrupted and failed messages may be superseded by a
// new generation attempt but are never overwritten in place.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message statuses.
const (
	// StatusComplete marks a fully generated message. Complete messages
	// are never mutated again.
	StatusComplete = "complete"

	// StatusInterrupted marks a message whose generation was cut short
	// (cancellation, tool loop cap). The accumulated content is kept.
	StatusInterrupted = "interrupted"

	// StatusFailed marks a message whose generation failed. Partial
	// content, if any, is kept for inspection.
	StatusFailed = "failed"
)

// ValidStatus reports whether s is a known message status.
func ValidStatus(s string) bool {
	return s == StatusComplete || s == StatusInterrupted || s == StatusFailed
}

// Chat represents a conversation owned by a user.
type Chat struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Title     *string   `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single conversation message. Content order is significant
// and preserved exactly as generated.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ChatID         uuid.UUID `json:"chat_id"`
	Role           string    `json:"role"`
	Content        []Part    `json:"content"`
	Status         string    `json:"status"`
	SequenceNumber int32     `json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// Text concatenates the text of all text parts in order.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(chatID uuid.UUID, text string) *Message {
	return &Message{
		ID:      uuid.New(),
		ChatID:  chatID,
		Role:    RoleUser,
		Content: []Part{TextPart(text)},
		Status:  StatusComplete,
	}
}

// NewToolMessage builds a tool-role message carrying a tool result (or
// tool error) so the model can observe it on the next turn.
func NewToolMessage(chatID uuid.UUID, parts ...Part) *Message {
	return &Message{
		ID:      uuid.New(),
		ChatID:  chatID,
		Role:    RoleTool,
		Content: parts,
		Status:  StatusComplete,
	}
}
