package repositories

import "context"

// LargeLanguageModel abstracts any chat/LLM provider
type LargeLanguageModel interface {
	// GenerateChat creates a chat session seeded with history
	GenerateChat(ctx context.Context, systemPrompt string, history []ChatMessage) (ChatSession, error)
}

// ChatSession represents an ongoing conversation session
type ChatSession interface {
	// StreamMessage sends a user message and streams the reply as text
	// chunks. The channel is closed when the reply is complete; the full
	// reply is appended to the session history at that point.
	StreamMessage(ctx context.Context, message string) (<-chan string, error)
	// History returns the conversation so far, excluding the system prompt
	History() []ChatMessage
}

// ChatMessage represents a single message in a conversation
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role defines the type of message sender
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)
