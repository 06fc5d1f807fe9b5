package entities

import "time"

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message represents one exchange entry within a conversation
type Message struct {
	Timestamp time.Time   `json:"timestamp" bson:"timestamp"`
	Role      MessageRole `json:"role" bson:"role"`
	Content   string      `json:"content" bson:"content"`
}

// Conversation represents the rolling chat history for one viewer
type Conversation struct {
	ViewerID      string     `json:"viewer_id" bson:"viewer_id"`
	SystemPrompt  string     `json:"system_prompt" bson:"system_prompt"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at" bson:"last_message_at"`
	Messages      []Message  `json:"messages" bson:"messages"`
}

// maxMessages caps the rolling history window; older entries are dropped
const maxMessages = 20

// NewConversation creates an empty conversation for a viewer
func NewConversation(viewerID, systemPrompt string) *Conversation {
	return &Conversation{
		ViewerID:     viewerID,
		SystemPrompt: systemPrompt,
		CreatedAt:    time.Now(),
		Messages:     make([]Message, 0),
	}
}

// AddMessage appends a message and trims the history to the rolling window
func (c *Conversation) AddMessage(role MessageRole, content string) {
	now := time.Now()
	c.Messages = append(c.Messages, Message{
		Timestamp: now,
		Role:      role,
		Content:   content,
	})
	if len(c.Messages) > maxMessages {
		c.Messages = c.Messages[len(c.Messages)-maxMessages:]
	}
	c.LastMessageAt = &now
}

// SetSystemPrompt replaces the persona prompt used for subsequent chat turns
func (c *Conversation) SetSystemPrompt(prompt string) {
	c.SystemPrompt = prompt
}

// ClearMessages drops the history but keeps the persona prompt
func (c *Conversation) ClearMessages() {
	c.Messages = c.Messages[:0]
	c.LastMessageAt = nil
}
