package llm

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini provider
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiLLM implements LargeLanguageModel using Google's Gemini API
type GeminiLLM struct {
	client *genai.Client
	logger *zap.Logger
	model  string
}

var _ repositories.LargeLanguageModel = (*GeminiLLM)(nil)

// NewGeminiLLM creates a new Gemini LLM instance
func NewGeminiLLM(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = defaultGeminiModel
		logger.Info("Using default model", zap.String("model", config.Model))
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLLM{client: client, logger: logger, model: config.Model}, nil
}

// GenerateChat creates a chat session seeded with the system prompt and
// prior history
func (g *GeminiLLM) GenerateChat(ctx context.Context, systemPrompt string, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &geminiChatSession{
		llm:          g,
		systemPrompt: systemPrompt,
		history:      append([]repositories.ChatMessage(nil), history...),
	}, nil
}

type geminiChatSession struct {
	llm          *GeminiLLM
	systemPrompt string

	mu      sync.Mutex
	history []repositories.ChatMessage
}

// StreamMessage sends the user message and streams the model reply
// chunk by chunk
func (s *geminiChatSession) StreamMessage(ctx context.Context, message string) (<-chan string, error) {
	s.mu.Lock()
	s.history = append(s.history, repositories.ChatMessage{
		Role:    repositories.UserRole,
		Content: message,
	})
	contents := geminiContents(s.history)
	s.mu.Unlock()

	config := &genai.GenerateContentConfig{}
	if s.systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(s.systemPrompt, genai.RoleUser)
	}

	deltas := make(chan string)
	go func() {
		defer close(deltas)

		var reply string
		defer func() {
			if reply != "" {
				s.appendAssistant(reply)
			}
		}()

		for response, err := range s.llm.client.Models.GenerateContentStream(ctx, s.llm.model, contents, config) {
			if err != nil {
				if ctx.Err() == nil {
					s.llm.logger.Warn("Gemini stream ended early", zap.Error(err))
				}
				return
			}
			if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
				continue
			}
			for _, part := range response.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case deltas <- part.Text:
					reply += part.Text
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return deltas, nil
}

func (s *geminiChatSession) appendAssistant(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: content,
	})
}

// History returns a copy of the accumulated conversation
func (s *geminiChatSession) History() []repositories.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repositories.ChatMessage(nil), s.history...)
}

func geminiContents(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}
