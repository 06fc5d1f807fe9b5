package repositories

import "context"

// SpeechToText abstracts streaming speech recognition providers
type SpeechToText interface {
	// StreamRecognize drives one recognition session: it consumes the audio
	// channel until it is closed, then drains any trailing results before
	// closing the event channel. A terminal failure is delivered in-band as
	// an event with Err set; no further events follow it. Cancelling ctx
	// aborts the session and releases the underlying connection.
	StreamRecognize(ctx context.Context, audio <-chan []byte) (<-chan TranscriptEvent, error)
}

// TranscriptEvent is one unit of recognized text, partial or final
type TranscriptEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Err     error  `json:"-"`
}

// AudioConfig represents audio parameters fixed at session creation.
// Field names follow the wire format of the recognition handshake.
type AudioConfig struct {
	Format     string `json:"format"`
	SampleRate int    `json:"rate"`
	Language   string `json:"language"`
	Bits       int    `json:"bits"`
	Channels   int    `json:"channel"`
	Codec      string `json:"codec"`
}
