package stt

import (
	"context"
	"errors"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

// GoogleSTT implements SpeechToText for Google Cloud Speech-to-Text.
// Credentials come from the ambient application default credentials.
type GoogleSTT struct {
	audio  repositories.AudioConfig
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSTT)(nil)

func NewGoogleSTT(audio repositories.AudioConfig, logger *zap.Logger) *GoogleSTT {
	if audio.Format == "" {
		audio = repositories.AudioConfig{
			Format:     "pcm",
			SampleRate: 16000,
			Language:   "zh-CN",
			Bits:       16,
			Channels:   1,
		}
	}
	return &GoogleSTT{audio: audio, logger: logger}
}

// StreamRecognize opens a streaming recognize session and bridges it to
// the channel contract shared with the other recognition providers.
func (g *GoogleSTT) StreamRecognize(ctx context.Context, audio <-chan []byte) (<-chan repositories.TranscriptEvent, error) {
	encoding, err := googleEncoding(g.audio.Format)
	if err != nil {
		return nil, err
	}

	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:          encoding,
					SampleRateHertz:   int32(g.audio.SampleRate),
					AudioChannelCount: int32(g.audio.Channels),
					LanguageCode:      g.audio.Language,
				},
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("streaming config: %w", err)
	}

	events := make(chan repositories.TranscriptEvent)
	go g.pump(ctx, client, stream, audio, events)
	return events, nil
}

func (g *GoogleSTT) pump(
	ctx context.Context,
	client *speech.Client,
	stream speechpb.Speech_StreamingRecognizeClient,
	audio <-chan []byte,
	events chan<- repositories.TranscriptEvent,
) {
	defer close(events)
	defer client.Close()

	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case chunk, ok := <-audio:
				if !ok {
					sendErr <- stream.CloseSend()
					return
				}
				if err := stream.Send(&speechpb.StreamingRecognizeRequest{
					StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
						AudioContent: chunk,
					},
				}); err != nil {
					sendErr <- err
					return
				}
			case <-ctx.Done():
				sendErr <- ctx.Err()
				return
			}
		}
	}()

	var lastText string
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			g.logger.Warn("Recognition stream failed", zap.Error(err))
			g.emit(ctx, events, repositories.TranscriptEvent{Err: fmt.Errorf("recognition receive: %w", err)})
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			text := result.Alternatives[0].Transcript
			lastText = text
			if !g.emit(ctx, events, repositories.TranscriptEvent{Text: text}) {
				return
			}
			if result.IsFinal {
				g.emit(ctx, events, repositories.TranscriptEvent{Text: text, IsFinal: true})
				return
			}
		}
	}

	if err := <-sendErr; err != nil && ctx.Err() == nil {
		g.emit(ctx, events, repositories.TranscriptEvent{Err: fmt.Errorf("recognition send: %w", err)})
		return
	}
	g.emit(ctx, events, repositories.TranscriptEvent{Text: lastText, IsFinal: true})
}

func (g *GoogleSTT) emit(ctx context.Context, events chan<- repositories.TranscriptEvent, event repositories.TranscriptEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func googleEncoding(format string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch format {
	case "pcm", "wav":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "flac":
		return speechpb.RecognitionConfig_FLAC, nil
	case "mulaw":
		return speechpb.RecognitionConfig_MULAW, nil
	case "ogg_opus":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "webm_opus":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED,
			fmt.Errorf("unsupported audio format %q", format)
	}
}
