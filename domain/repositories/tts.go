package repositories

import "context"

// TextToSpeech abstracts speech synthesis services
type TextToSpeech interface {
	// Synthesize converts text to complete audio bytes. An empty voice
	// selects the provider's default.
	Synthesize(ctx context.Context, text string, voice string) ([]byte, error)
}
