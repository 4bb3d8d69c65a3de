package store

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn. The slice of messages is sent verbatim to
// the upstream API, so the JSON shape must stay {role, content}.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Chat struct {
	ID        string    `json:"id"` // chat_id cookie value
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
