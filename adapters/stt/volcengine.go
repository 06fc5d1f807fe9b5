package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

const (
	defaultEndpoint = "wss://openspeech.bytedance.com/api/v2/asr"
	defaultCluster  = "volcengine_streaming_common"
	defaultUID      = "live2d_viewer_asr"
	defaultWorkflow = "audio_in,resample,partition,vad,fe,decode,itn,nlu_punctuate"

	// defaultDrainTimeout bounds each read once the audio stream has
	// ended, balancing latency against tail-end results
	defaultDrainTimeout = 500 * time.Millisecond

	// maxResponseSize is generous because server responses are not
	// chunked further
	maxResponseSize = 1_000_000_000

	handshakeTimeout = 5 * time.Second
)

// ErrSessionClosed reports an operation attempted on an already closed
// recognition session.
var ErrSessionClosed = errors.New("recognition session closed")

// ServerError is a failure reported by the recognition service, either
// as an error frame or as a non-success response status.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("recognition service error %d: %s", e.Code, e.Message)
}

// VolcengineConfig holds credentials and the protocol negotiation
// parameters fixed at session creation.
type VolcengineConfig struct {
	AppID   string // Required: application ID
	Token   string // Required: bearer token
	Cluster string // Optional: service cluster
	// Optional fields below default to the streaming recognition service
	Endpoint     string
	UID          string
	Workflow     string
	Audio        repositories.AudioConfig
	DrainTimeout time.Duration
}

// VolcengineSTT implements SpeechToText over the service's binary
// WebSocket framing protocol. Each StreamRecognize call owns its own
// connection and session state, so concurrent sessions do not interact.
type VolcengineSTT struct {
	config VolcengineConfig
	logger *zap.Logger
}

// Ensure VolcengineSTT implements the SpeechToText interface
var _ repositories.SpeechToText = (*VolcengineSTT)(nil)

// NewVolcengineSTT creates a new recognition client
func NewVolcengineSTT(config VolcengineConfig, logger *zap.Logger) (*VolcengineSTT, error) {
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
	if config.Workflow == "" {
		config.Workflow = defaultWorkflow
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = defaultDrainTimeout
	}
	if config.Audio.Format == "" {
		config.Audio = repositories.AudioConfig{
			Format:     "pcm",
			SampleRate: 16000,
			Language:   "zh-CN",
			Bits:       16,
			Channels:   1,
			Codec:      "raw",
		}
	}

	return &VolcengineSTT{config: config, logger: logger}, nil
}

// handshakeRequest is the JSON body of the first frame of a session.
// Field names and nesting are fixed by the service.
type handshakeRequest struct {
	App     appSection               `json:"app"`
	User    userSection              `json:"user"`
	Request requestSection           `json:"request"`
	Audio   repositories.AudioConfig `json:"audio"`
}

type appSection struct {
	AppID   string `json:"appid"`
	Cluster string `json:"cluster"`
	Token   string `json:"token"`
}

type userSection struct {
	UID string `json:"uid"`
}

type requestSection struct {
	ReqID          string `json:"reqid"`
	Nbest          int    `json:"nbest"`
	Workflow       string `json:"workflow"`
	ShowLanguage   bool   `json:"show_language"`
	ShowUtterances bool   `json:"show_utterances"`
	ResultType     string `json:"result_type"`
	Sequence       int    `json:"sequence"`
}

func (v *VolcengineSTT) handshakeBody(reqID string) handshakeRequest {
	return handshakeRequest{
		App: appSection{
			AppID:   v.config.AppID,
			Cluster: v.config.Cluster,
			Token:   v.config.Token,
		},
		User: userSection{UID: v.config.UID},
		Request: requestSection{
			ReqID:      reqID,
			Nbest:      1,
			Workflow:   v.config.Workflow,
			ResultType: "full",
			Sequence:   1,
		},
		Audio: v.config.Audio,
	}
}

// StreamRecognize opens a connection, performs the handshake, and starts
// the sender/receiver pair for one utterance. Connection and handshake
// failures are returned directly; everything after that is delivered
// in-band on the event channel.
func (v *VolcengineSTT) StreamRecognize(ctx context.Context, audio <-chan []byte) (<-chan repositories.TranscriptEvent, error) {
	reqID := uuid.NewString()
	logger := v.logger.With(zap.String("reqid", reqID))

	conn, err := v.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("recognition connect: %w", err)
	}
	logger.Info("Recognition session connected", zap.String("endpoint", v.config.Endpoint))

	s := &session{
		conn:       conn,
		logger:     logger,
		drain:      v.config.DrainTimeout,
		senderDone: make(chan struct{}),
		senderStop: make(chan struct{}),
	}

	if err := s.sendHandshake(v.handshakeBody(reqID)); err != nil {
		s.close()
		return nil, fmt.Errorf("recognition handshake: %w", err)
	}

	events := make(chan repositories.TranscriptEvent)
	go s.run(ctx, audio, events)
	return events, nil
}

func (v *VolcengineSTT) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer; "+v.config.Token)

	conn, _, err := dialer.DialContext(ctx, v.config.Endpoint, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxResponseSize)
	return conn, nil
}

// session drives one recognition utterance end-to-end. The sender and
// receiver share the connection; the WebSocket transport keeps the two
// directions independent, so the only coordination point is senderDone.
type session struct {
	conn   *websocket.Conn
	logger *zap.Logger
	drain  time.Duration

	// senderDone is closed once the sender has written the terminal
	// frame (or failed); the receiver switches to the drain timeout
	// once it observes the close. senderStop cancels a sender that is
	// still waiting for audio after the receiver has already finished.
	senderDone chan struct{}
	senderStop chan struct{}
	senderErr  error

	// lastText is the most recent emitted transcript; only the
	// receiver goroutine and, after joining, run touch it
	lastText string

	closed atomic.Bool
}

// rawMessage carries one transport read to the receive loop
type rawMessage struct {
	messageType int
	data        []byte
	err         error
}

func (s *session) sendHandshake(body handshakeRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	frame, err := EncodeRequestFrame(Header{
		Type:          ClientFullRequest,
		Flags:         NoSequence,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
	}, payload)
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// run owns the session from after the handshake until the connection is
// released. It always closes the event channel, always closes the
// connection, and always joins the sender before returning.
func (s *session) run(ctx context.Context, audio <-chan []byte, events chan<- repositories.TranscriptEvent) {
	defer close(events)

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-sessionDone:
		}
	}()

	go s.sendLoop(ctx, audio)

	err := s.receiveLoop(ctx, sessionDone, events)

	s.close()
	close(s.senderStop)
	<-s.senderDone

	if err == nil && s.senderErr != nil &&
		!errors.Is(s.senderErr, ErrSessionClosed) && !errors.Is(s.senderErr, context.Canceled) {
		err = s.senderErr
	}

	if err != nil {
		s.logger.Warn("Recognition session failed", zap.Error(err))
		select {
		case events <- repositories.TranscriptEvent{Err: err}:
		case <-ctx.Done():
		}
		return
	}

	// Callers always observe a definitive last state, even when the
	// server sent no explicit final marker.
	select {
	case events <- repositories.TranscriptEvent{Text: s.lastText, IsFinal: true}:
	case <-ctx.Done():
	}
	s.logger.Info("Recognition session closed", zap.String("finalText", s.lastText))
}

// sendLoop frames and writes audio chunks in arrival order, then the
// zero-length terminal frame. It never reads from the connection.
func (s *session) sendLoop(ctx context.Context, audio <-chan []byte) {
	defer close(s.senderDone)

	for {
		select {
		case chunk, ok := <-audio:
			if !ok {
				s.senderErr = s.writeAudioFrame(nil, NegativeSequenceFinal)
				return
			}
			if err := s.writeAudioFrame(chunk, PositiveSequence); err != nil {
				s.senderErr = err
				return
			}
		case <-ctx.Done():
			s.senderErr = ctx.Err()
			return
		case <-s.senderStop:
			s.senderErr = ErrSessionClosed
			return
		}
	}
}

func (s *session) writeAudioFrame(chunk []byte, flags MessageFlags) error {
	frame, err := EncodeRequestFrame(Header{
		Type:          ClientAudioOnlyRequest,
		Flags:         flags,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
	}, chunk)
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

func (s *session) writeFrame(frame []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("recognition write: %w", err)
	}
	return nil
}

// receiveLoop reads and decodes frames until a terminal condition. While
// the sender is active every read blocks indefinitely; after the sender
// finishes, each read is bounded by the drain timeout and an expiry means
// the result tail is exhausted, which is a normal exit.
func (s *session) receiveLoop(ctx context.Context, sessionDone <-chan struct{}, events chan<- repositories.TranscriptEvent) error {
	reads := make(chan rawMessage)
	go func() {
		for {
			messageType, data, err := s.conn.ReadMessage()
			select {
			case reads <- rawMessage{messageType: messageType, data: data, err: err}:
			case <-sessionDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	senderDone := s.senderDone
	for {
		var drainExpired <-chan time.Time
		var drainTimer *time.Timer
		if senderDone == nil {
			drainTimer = time.NewTimer(s.drain)
			drainExpired = drainTimer.C
		}

		select {
		case <-senderDone:
			// The sender finished while a read was pending. Loop so the
			// drain timeout bounds this and every following read.
			senderDone = nil
			continue

		case <-drainExpired:
			// No more results after the grace window; not an error
			return nil

		case m := <-reads:
			if drainTimer != nil {
				drainTimer.Stop()
			}
			if m.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if websocket.IsCloseError(m.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return fmt.Errorf("recognition read: %w", m.err)
			}

			done, err := s.handleMessage(ctx, m, events)
			if err != nil || done {
				return err
			}
		}
	}
}

// handleMessage decodes one transport message and emits transcript
// events for successful results. done is set when the caller abandoned
// the session mid-emit.
func (s *session) handleMessage(ctx context.Context, m rawMessage, events chan<- repositories.TranscriptEvent) (bool, error) {
	var frame *Frame
	switch m.messageType {
	case websocket.BinaryMessage:
		var err error
		frame, err = DecodeFrame(m.data)
		if err != nil {
			return false, err
		}
	case websocket.TextMessage:
		frame = DecodeTextFrame(m.data)
	default:
		return false, nil
	}

	if frame.Type == ServerErrorResponse {
		message := frame.Text
		if frame.Response != nil {
			message = frame.Response.Message
		}
		return false, &ServerError{Code: frame.ErrorCode, Message: message}
	}

	if frame.Response == nil {
		// Acks, unknown types, and non-JSON text frames carry no
		// result. Dropping them silently could mask protocol-version
		// skew, so leave a trace.
		s.logger.Debug("Dropping frame without recognition result",
			zap.Uint8("messageType", uint8(frame.Type)))
		return false, nil
	}

	response := frame.Response
	if !response.OK() {
		return false, &ServerError{Code: uint32(response.Code), Message: response.Message}
	}
	if len(response.Result) == 0 {
		return false, nil
	}

	text := response.Result[0].Text
	select {
	case events <- repositories.TranscriptEvent{Text: text}:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	s.lastText = text
	return false, nil
}

// close shuts the connection down; subsequent writes fail fast with
// ErrSessionClosed instead of hanging.
func (s *session) close() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}
