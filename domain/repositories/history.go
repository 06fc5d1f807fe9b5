package repositories

import (
	"context"

	"github.com/Till-X/live2d-viewer-chat/domain/entities"
)

// ConversationRepository persists viewer conversations
type ConversationRepository interface {
	// GetByViewerID returns the conversation for a viewer, or nil when none exists
	GetByViewerID(ctx context.Context, viewerID string) (*entities.Conversation, error)
	// Save creates or replaces the stored conversation
	Save(ctx context.Context, conversation *entities.Conversation) error
	// Clear removes the stored conversation for a viewer
	Clear(ctx context.Context, viewerID string) error
}
