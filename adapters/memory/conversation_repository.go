package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Till-X/live2d-viewer-chat/domain/entities"
	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

// ConversationRepository keeps conversations in process memory. It is
// the fallback when no MongoDB is configured; history is lost on
// restart.
type ConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]entities.Conversation
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		conversations: make(map[string]entities.Conversation),
	}
}

func (r *ConversationRepository) GetByViewerID(ctx context.Context, viewerID string) (*entities.Conversation, error) {
	if viewerID == "" {
		return nil, errors.New("viewer ID cannot be empty")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.conversations[viewerID]
	if !ok {
		return nil, nil
	}
	// Copy out so callers cannot mutate the stored value
	conversation := stored
	conversation.Messages = append([]entities.Message(nil), stored.Messages...)
	return &conversation, nil
}

func (r *ConversationRepository) Save(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if conversation.ViewerID == "" {
		return errors.New("viewer ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *conversation
	stored.Messages = append([]entities.Message(nil), conversation.Messages...)
	r.conversations[conversation.ViewerID] = stored
	return nil
}

func (r *ConversationRepository) Clear(ctx context.Context, viewerID string) error {
	if viewerID == "" {
		return errors.New("viewer ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conversations, viewerID)
	return nil
}
