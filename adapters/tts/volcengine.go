package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

const (
	defaultEndpoint = "https://openspeech.bytedance.com/api/v1/tts"
	defaultCluster  = "volcano_tts"
	defaultUID      = "live2d_viewer_tts"
	defaultVoice    = "zh_female_meilinvyou_moon_bigtts"
	defaultTimeout  = 30 * time.Second

	// Slightly brisk delivery reads better with an animated avatar
	speedRatio = 1.4
)

// VolcengineConfig holds credentials and synthesis parameters
type VolcengineConfig struct {
	AppID    string // Required: application ID
	Token    string // Required: bearer token
	Cluster  string
	Endpoint string
	UID      string
	Voice    string // Default voice; Synthesize can override per call
	Timeout  time.Duration
}

// VolcengineTTS implements TextToSpeech against the one-shot HTTP
// synthesis API. Audio comes back as a complete MP3 clip.
type VolcengineTTS struct {
	config VolcengineConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*VolcengineTTS)(nil)

func NewVolcengineTTS(config VolcengineConfig, logger *zap.Logger) (*VolcengineTTS, error) {
	if config.AppID == "" {
		return nil, fmt.Errorf("volcengine app ID is required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("volcengine access token is required")
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}
	if config.Cluster == "" {
		config.Cluster = defaultCluster
	}
	if config.UID == "" {
		config.UID = defaultUID
	}
	if config.Voice == "" {
		config.Voice = defaultVoice
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &VolcengineTTS{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// synthesisRequest is the JSON body of a synthesis call. Field names and
// nesting are fixed by the service.
type synthesisRequest struct {
	App     appSection     `json:"app"`
	User    userSection    `json:"user"`
	Audio   audioSection   `json:"audio"`
	Request requestSection `json:"request"`
}

type appSection struct {
	AppID   string `json:"appid"`
	Cluster string `json:"cluster"`
	Token   string `json:"token"`
}

type userSection struct {
	UID string `json:"uid"`
}

type audioSection struct {
	VoiceType   string  `json:"voice_type"`
	Encoding    string  `json:"encoding"`
	SpeedRatio  float64 `json:"speed_ratio"`
	VolumeRatio float64 `json:"volume_ratio"`
	PitchRatio  float64 `json:"pitch_ratio"`
}

type requestSection struct {
	ReqID         string `json:"reqid"`
	Text          string `json:"text"`
	TextType      string `json:"text_type"`
	Operation     string `json:"operation"`
	WithTimestamp int    `json:"with_timestamp"`
}

type synthesisResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Synthesize renders text to one MP3 clip. An empty voice uses the
// configured default.
func (v *VolcengineTTS) Synthesize(ctx context.Context, text string, voice string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("synthesis text is empty")
	}
	if voice == "" {
		voice = v.config.Voice
	}
	reqID := uuid.NewString()

	body, err := json.Marshal(synthesisRequest{
		App: appSection{
			AppID:   v.config.AppID,
			Cluster: v.config.Cluster,
			Token:   v.config.Token,
		},
		User: userSection{UID: v.config.UID},
		Audio: audioSection{
			VoiceType:   voice,
			Encoding:    "mp3",
			SpeedRatio:  speedRatio,
			VolumeRatio: 1.0,
			PitchRatio:  1.0,
		},
		Request: requestSection{
			ReqID:         reqID,
			Text:          text,
			TextType:      "plain",
			Operation:     "query",
			WithTimestamp: 0,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer;"+v.config.Token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("synthesis failed with status %d: %s", resp.StatusCode, detail)
	}

	var result synthesisResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode synthesis response: %w", err)
	}
	if result.Data == "" {
		return nil, fmt.Errorf("synthesis error %d: %s", result.Code, result.Message)
	}

	audio, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return nil, fmt.Errorf("decode synthesis audio: %w", err)
	}

	v.logger.Debug("Synthesized speech",
		zap.String("reqid", reqID),
		zap.String("voice", voice),
		zap.Int("textLength", len(text)),
		zap.Int("audioBytes", len(audio)))
	return audio, nil
}
