package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/domain/entities"
	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

// ReplySink receives pipeline outputs as they are produced, so the
// transport can forward text deltas before synthesis finishes
type ReplySink interface {
	OnChatDelta(text string)
	OnSpeech(audio []byte)
}

// ConversationService orchestrates one chat turn: transcript in, chat
// reply streamed out, then synthesized speech. History is persisted per
// viewer.
type ConversationService struct {
	llm          repositories.LargeLanguageModel
	tts          repositories.TextToSpeech
	history      repositories.ConversationRepository
	logger       *zap.Logger
	systemPrompt string
}

// NewConversationService creates a new conversation service with the
// default persona prompt
func NewConversationService(
	llm repositories.LargeLanguageModel,
	tts repositories.TextToSpeech,
	history repositories.ConversationRepository,
	systemPrompt string,
	logger *zap.Logger,
) *ConversationService {
	return &ConversationService{
		llm:          llm,
		tts:          tts,
		history:      history,
		logger:       logger,
		systemPrompt: systemPrompt,
	}
}

// ProcessUtterance runs one turn of the conversation from a completed
// transcript. Chat deltas reach the sink as the model produces them;
// the synthesized clip follows once the reply is complete. A synthesis
// failure does not fail the turn, the viewer still gets the text.
func (s *ConversationService) ProcessUtterance(ctx context.Context, viewerID, transcript string, sink ReplySink) (string, error) {
	if transcript == "" {
		return "", fmt.Errorf("transcript is empty")
	}

	conversation, err := s.loadConversation(ctx, viewerID)
	if err != nil {
		return "", err
	}

	session, err := s.llm.GenerateChat(ctx, conversation.SystemPrompt, chatHistory(conversation.Messages))
	if err != nil {
		return "", fmt.Errorf("create chat session: %w", err)
	}

	deltas, err := session.StreamMessage(ctx, transcript)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}

	var reply string
	for delta := range deltas {
		reply += delta
		sink.OnChatDelta(delta)
	}
	if reply == "" {
		return "", fmt.Errorf("chat produced no reply")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.logger.Info("Chat reply generated",
		zap.String("viewerID", viewerID),
		zap.Int("replyLength", len(reply)))

	if audio, err := s.tts.Synthesize(ctx, reply, ""); err != nil {
		s.logger.Warn("Speech synthesis failed, continuing with text only",
			zap.String("viewerID", viewerID),
			zap.Error(err))
	} else {
		sink.OnSpeech(audio)
	}

	conversation.AddMessage(entities.MessageRoleUser, transcript)
	conversation.AddMessage(entities.MessageRoleAssistant, reply)
	if err := s.history.Save(ctx, conversation); err != nil {
		s.logger.Error("Failed to persist conversation",
			zap.String("viewerID", viewerID),
			zap.Error(err))
	}

	return reply, nil
}

// SetSystemPrompt replaces the persona prompt for a viewer's
// subsequent turns
func (s *ConversationService) SetSystemPrompt(ctx context.Context, viewerID, prompt string) error {
	conversation, err := s.loadConversation(ctx, viewerID)
	if err != nil {
		return err
	}
	conversation.SetSystemPrompt(prompt)
	if err := s.history.Save(ctx, conversation); err != nil {
		return fmt.Errorf("persist system prompt: %w", err)
	}
	return nil
}

// ClearHistory drops a viewer's chat history but keeps their persona
// prompt
func (s *ConversationService) ClearHistory(ctx context.Context, viewerID string) error {
	conversation, err := s.history.GetByViewerID(ctx, viewerID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return nil
	}
	conversation.ClearMessages()
	if err := s.history.Save(ctx, conversation); err != nil {
		return fmt.Errorf("persist cleared history: %w", err)
	}
	return nil
}

func (s *ConversationService) loadConversation(ctx context.Context, viewerID string) (*entities.Conversation, error) {
	conversation, err := s.history.GetByViewerID(ctx, viewerID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conversation == nil {
		conversation = entities.NewConversation(viewerID, s.systemPrompt)
	}
	return conversation, nil
}

func chatHistory(messages []entities.Message) []repositories.ChatMessage {
	history := make([]repositories.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		role := repositories.UserRole
		if msg.Role == entities.MessageRoleAssistant {
			role = repositories.AssistantRole
		}
		history = append(history, repositories.ChatMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return history
}
