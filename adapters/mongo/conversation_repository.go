package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Till-X/live2d-viewer-chat/domain/entities"
	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

type ConversationRepository struct {
	collection *mongo.Collection
}

// NewConversationRepository creates a new MongoDB conversation repository
func NewConversationRepository(db *mongo.Database) repositories.ConversationRepository {
	return &ConversationRepository{
		collection: db.Collection("conversations"),
	}
}

// GetByViewerID implements repositories.ConversationRepository
func (r *ConversationRepository) GetByViewerID(ctx context.Context, viewerID string) (*entities.Conversation, error) {
	if viewerID == "" {
		return nil, errors.New("viewer ID cannot be empty")
	}

	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"viewer_id": viewerID}).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No conversation yet, not an error
		}
		return nil, fmt.Errorf("failed to get conversation for viewer %s: %w", viewerID, err)
	}

	return &conversation, nil
}

// Save implements repositories.ConversationRepository
func (r *ConversationRepository) Save(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if conversation.ViewerID == "" {
		return errors.New("viewer ID cannot be empty")
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now()
	}

	// One document per viewer, replaced wholesale on every save
	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"viewer_id": conversation.ViewerID},
		conversation,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	return nil
}

// Clear implements repositories.ConversationRepository
func (r *ConversationRepository) Clear(ctx context.Context, viewerID string) error {
	if viewerID == "" {
		return errors.New("viewer ID cannot be empty")
	}

	if _, err := r.collection.DeleteOne(ctx, bson.M{"viewer_id": viewerID}); err != nil {
		return fmt.Errorf("failed to clear conversation for viewer %s: %w", viewerID, err)
	}
	return nil
}
