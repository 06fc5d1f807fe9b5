package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType defines the type of WebSocket control message
type MessageType string

// Inbound message types
const (
	MessageTypeListeningStart MessageType = "listening_start"
	MessageTypeListeningEnd   MessageType = "listening_end"
	MessageTypeChatText       MessageType = "chat_text"
	MessageTypeSetPrompt      MessageType = "set_prompt"
)

// Outbound message types
const (
	MessageTypeASRPartial    MessageType = "asr_partial"
	MessageTypeASRFinal      MessageType = "asr_final"
	MessageTypeChatDelta     MessageType = "chat_delta"
	MessageTypeSpeakingStart MessageType = "speaking_start"
	MessageTypeSpeakingEnd   MessageType = "speaking_end"
	MessageTypeError         MessageType = "error"
)

// BaseMessage defines the common structure for control messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// ListeningStartMessage opens a voice capture session. Unset fields
// fall back to the server's configured audio parameters.
type ListeningStartMessage struct {
	BaseMessage
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
}

// ChatTextMessage carries a typed chat message bypassing voice capture
type ChatTextMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// SetPromptMessage replaces the avatar's persona prompt
type SetPromptMessage struct {
	BaseMessage
	Prompt string `json:"prompt"`
}

// TranscriptMessage carries recognized speech back to the viewer,
// either an in-progress partial or the settled final text
type TranscriptMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// ChatDeltaMessage carries one streamed chunk of the chat reply
type ChatDeltaMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// ErrorMessage reports a failure to the viewer
type ErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// ParseMessage decodes an inbound control message into its typed form
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON message: %w", err)
	}

	switch base.Type {
	case MessageTypeListeningStart:
		var msg ListeningStartMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid listening_start message: %w", err)
		}
		return &msg, nil

	case MessageTypeListeningEnd:
		return &base, nil

	case MessageTypeChatText:
		var msg ChatTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid chat_text message: %w", err)
		}
		if msg.Text == "" {
			return nil, fmt.Errorf("chat_text message requires text")
		}
		return &msg, nil

	case MessageTypeSetPrompt:
		var msg SetPromptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid set_prompt message: %w", err)
		}
		if msg.Prompt == "" {
			return nil, fmt.Errorf("set_prompt message requires prompt")
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func newBase(messageType MessageType) BaseMessage {
	return BaseMessage{
		Type:      messageType,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// NewTranscriptMessage builds an asr_partial or asr_final notification
func NewTranscriptMessage(text string, isFinal bool) *TranscriptMessage {
	messageType := MessageTypeASRPartial
	if isFinal {
		messageType = MessageTypeASRFinal
	}
	return &TranscriptMessage{BaseMessage: newBase(messageType), Text: text}
}

// NewChatDeltaMessage builds a chat_delta notification
func NewChatDeltaMessage(text string) *ChatDeltaMessage {
	return &ChatDeltaMessage{BaseMessage: newBase(MessageTypeChatDelta), Text: text}
}

// NewErrorMessage builds an error notification
func NewErrorMessage(message string) *ErrorMessage {
	return &ErrorMessage{BaseMessage: newBase(MessageTypeError), Message: message}
}
