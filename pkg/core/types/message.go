// Package types defines the shared domain types of the facilitator core.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation transcript. Messages are immutable
// once created; display order equals creation order.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Audio marks messages derived from voice (transcribed speech or a
	// spoken assistant reply) rather than typed text.
	Audio bool `json:"audio,omitempty"`
}

// NewMessage creates a message with a fresh unique ID.
func NewMessage(role Role, content string, audio bool) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		Audio:     audio,
	}
}
