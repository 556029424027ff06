package transcript

import (
	"context"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational entry. Messages are append-only and never
// mutated after creation; insertion order is conversation order.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves session transcripts.
type Store interface {
	Append(ctx context.Context, msg Message) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Close() error
}
