// Package llm abstracts the chat-completion backend used by the generators.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client produces a completion for a message sequence.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
