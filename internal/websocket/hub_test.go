package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Till-X/live2d-viewer-chat/adapters/memory"
	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
	"github.com/Till-X/live2d-viewer-chat/usecase"
)

// fakeSTT emits one partial per audio chunk and a final transcript of
// all chunks concatenated once the audio channel closes
type fakeSTT struct{}

func (f *fakeSTT) StreamRecognize(ctx context.Context, audio <-chan []byte) (<-chan repositories.TranscriptEvent, error) {
	events := make(chan repositories.TranscriptEvent)
	go func() {
		defer close(events)
		var transcript strings.Builder
		for chunk := range audio {
			transcript.Write(chunk)
			select {
			case events <- repositories.TranscriptEvent{Text: transcript.String()}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case events <- repositories.TranscriptEvent{Text: transcript.String(), IsFinal: true}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// failingSTT reports a recognition failure as soon as audio arrives
type failingSTT struct{}

func (f *failingSTT) StreamRecognize(ctx context.Context, audio <-chan []byte) (<-chan repositories.TranscriptEvent, error) {
	events := make(chan repositories.TranscriptEvent, 1)
	go func() {
		defer close(events)
		select {
		case <-audio:
		case <-ctx.Done():
			return
		}
		events <- repositories.TranscriptEvent{Err: errors.New("recognition backend gone")}
	}()
	return events, nil
}

type fakeLLM struct {
	reply      string
	gotPrompts chan string
}

func (f *fakeLLM) GenerateChat(ctx context.Context, systemPrompt string, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	select {
	case f.gotPrompts <- systemPrompt:
	default:
	}
	return &fakeChatSession{reply: f.reply, history: history}, nil
}

type fakeChatSession struct {
	reply   string
	history []repositories.ChatMessage
}

func (f *fakeChatSession) StreamMessage(ctx context.Context, message string) (<-chan string, error) {
	deltas := make(chan string)
	go func() {
		defer close(deltas)
		for _, r := range f.reply {
			deltas <- string(r)
		}
	}()
	return deltas, nil
}

func (f *fakeChatSession) History() []repositories.ChatMessage { return f.history }

type fakeTTS struct{}

func (f *fakeTTS) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	return []byte("mp3:" + text), nil
}

type receivedMessage struct {
	messageType int
	data        []byte
}

func dialTestHub(t *testing.T, llm repositories.LargeLanguageModel) *websocket.Conn {
	t.Helper()
	return dialTestHubWithSTT(t, llm, &fakeSTT{})
}

func dialTestHubWithSTT(t *testing.T, llm repositories.LargeLanguageModel, stt repositories.SpeechToText) *websocket.Conn {
	t.Helper()
	logger := zaptest.NewLogger(t)
	conversation := usecase.NewConversationService(
		llm, &fakeTTS{}, memory.NewConversationRepository(), "默认人设", logger)
	hub := NewHub(stt, conversation, logger)
	go hub.Run()

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return HandleWebSocket(hub, c, logger)
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?viewer_id=viewer-1"
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil collects messages until one matches the wanted control type
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) []receivedMessage {
	t.Helper()
	var got []receivedMessage
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed after %d messages: %v", len(got), err)
		}
		got = append(got, receivedMessage{messageType: messageType, data: data})
		if messageType == websocket.TextMessage {
			var base BaseMessage
			if err := json.Unmarshal(data, &base); err == nil && base.Type == want {
				return got
			}
		}
	}
}

func controlMessages(t *testing.T, messages []receivedMessage) []BaseMessage {
	t.Helper()
	var controls []BaseMessage
	for _, msg := range messages {
		if msg.messageType != websocket.TextMessage {
			continue
		}
		var base BaseMessage
		if err := json.Unmarshal(msg.data, &base); err != nil {
			t.Fatalf("undecodable control message %q: %v", msg.data, err)
		}
		controls = append(controls, base)
	}
	return controls
}

func TestVoiceTurn(t *testing.T) {
	llm := &fakeLLM{reply: "回复", gotPrompts: make(chan string, 4)}
	conn := dialTestHub(t, llm)

	writeJSON(t, conn, map[string]interface{}{"type": "listening_start"})
	writeBinary(t, conn, []byte("ni"))
	writeBinary(t, conn, []byte("hao"))
	writeJSON(t, conn, map[string]interface{}{"type": "listening_end"})

	messages := readUntil(t, conn, MessageTypeSpeakingEnd)

	var sawPartial, sawFinal, sawSpeakingStart bool
	var deltas, finalText string
	var audio []byte
	for _, msg := range messages {
		if msg.messageType == websocket.BinaryMessage {
			audio = msg.data
			continue
		}
		var base BaseMessage
		json.Unmarshal(msg.data, &base)
		switch base.Type {
		case MessageTypeASRPartial:
			sawPartial = true
		case MessageTypeASRFinal:
			sawFinal = true
			var transcript TranscriptMessage
			json.Unmarshal(msg.data, &transcript)
			finalText = transcript.Text
		case MessageTypeChatDelta:
			var delta ChatDeltaMessage
			json.Unmarshal(msg.data, &delta)
			deltas += delta.Text
		case MessageTypeSpeakingStart:
			sawSpeakingStart = true
		}
	}

	if !sawPartial {
		t.Error("expected at least one asr_partial message")
	}
	if !sawFinal || finalText != "nihao" {
		t.Errorf("expected asr_final with full transcript, got final=%v text=%q", sawFinal, finalText)
	}
	if deltas != "回复" {
		t.Errorf("chat deltas did not reassemble the reply, got %q", deltas)
	}
	if !sawSpeakingStart {
		t.Error("expected speaking_start before the audio clip")
	}
	if string(audio) != "mp3:回复" {
		t.Errorf("unexpected audio clip %q", audio)
	}
}

func TestChatTextTurn(t *testing.T) {
	llm := &fakeLLM{reply: "文字回复", gotPrompts: make(chan string, 4)}
	conn := dialTestHub(t, llm)

	writeJSON(t, conn, map[string]interface{}{"type": "chat_text", "text": "在吗"})

	messages := readUntil(t, conn, MessageTypeSpeakingEnd)
	var deltas string
	for _, msg := range messages {
		if msg.messageType != websocket.TextMessage {
			continue
		}
		var base BaseMessage
		json.Unmarshal(msg.data, &base)
		if base.Type == MessageTypeChatDelta {
			var delta ChatDeltaMessage
			json.Unmarshal(msg.data, &delta)
			deltas += delta.Text
		}
	}
	if deltas != "文字回复" {
		t.Errorf("unexpected reassembled reply %q", deltas)
	}
}

func TestSetPromptReachesModel(t *testing.T) {
	llm := &fakeLLM{reply: "ok", gotPrompts: make(chan string, 4)}
	conn := dialTestHub(t, llm)

	writeJSON(t, conn, map[string]interface{}{"type": "set_prompt", "prompt": "扮演海盗"})
	writeJSON(t, conn, map[string]interface{}{"type": "chat_text", "text": "在吗"})

	readUntil(t, conn, MessageTypeSpeakingEnd)

	select {
	case prompt := <-llm.gotPrompts:
		if prompt != "扮演海盗" {
			t.Errorf("expected updated prompt, got %q", prompt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("model never received a prompt")
	}
}

func TestRecognitionFailureWhileStreaming(t *testing.T) {
	llm := &fakeLLM{reply: "好的", gotPrompts: make(chan string, 4)}
	conn := dialTestHubWithSTT(t, llm, &failingSTT{})

	writeJSON(t, conn, map[string]interface{}{"type": "listening_start"})
	writeBinary(t, conn, []byte("ni"))

	readUntil(t, conn, MessageTypeError)

	// The viewer keeps streaming PCM after recognition already failed;
	// the connection must stay usable
	writeBinary(t, conn, []byte("hao"))
	writeBinary(t, conn, []byte("ma"))

	writeJSON(t, conn, map[string]interface{}{"type": "chat_text", "text": "在吗"})
	messages := readUntil(t, conn, MessageTypeSpeakingEnd)

	var deltas string
	for _, msg := range messages {
		if msg.messageType != websocket.TextMessage {
			continue
		}
		var base BaseMessage
		json.Unmarshal(msg.data, &base)
		if base.Type == MessageTypeChatDelta {
			var delta ChatDeltaMessage
			json.Unmarshal(msg.data, &delta)
			deltas += delta.Text
		}
	}
	if deltas != "好的" {
		t.Errorf("text turn after recognition failure got reply %q", deltas)
	}
}

// Capture teardown races chunk forwarding from different goroutines;
// neither ordering may crash, and chunks arriving after teardown are
// dropped.
func TestAudioForwardingSurvivesConcurrentTeardown(t *testing.T) {
	logger := zap.NewNop()
	for i := 0; i < 1000; i++ {
		c := &Client{
			logger: logger,
			audio:  make(chan []byte, 1),
			cancel: func() {},
		}

		forwarded := make(chan struct{})
		go func() {
			defer close(forwarded)
			c.processAudioChunk([]byte("pcm"))
		}()
		c.stopListening()
		<-forwarded

		c.processAudioChunk([]byte("late"))
		c.mutex.Lock()
		audio := c.audio
		c.mutex.Unlock()
		if audio != nil {
			t.Fatal("audio channel still set after teardown")
		}
	}
}

func TestBadControlMessageGetsError(t *testing.T) {
	llm := &fakeLLM{reply: "ok", gotPrompts: make(chan string, 4)}
	conn := dialTestHub(t, llm)

	writeJSON(t, conn, map[string]interface{}{"type": "dance"})

	messages := readUntil(t, conn, MessageTypeError)
	controls := controlMessages(t, messages)
	if controls[len(controls)-1].Type != MessageTypeError {
		t.Errorf("expected trailing error message, got %+v", controls)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, message interface{}) {
	t.Helper()
	if err := conn.WriteJSON(message); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func writeBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}
