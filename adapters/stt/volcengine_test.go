package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

// clientFrame is the server-side view of one frame sent by the client
type clientFrame struct {
	messageType MessageType
	flags       MessageFlags
	payload     []byte
}

func parseClientFrame(data []byte) (clientFrame, error) {
	if len(data) < FixedHeaderSize {
		return clientFrame{}, fmt.Errorf("frame of %d bytes is too short", len(data))
	}
	headerSize := int(data[0]&0x0f) * headerWordSize
	if len(data) < headerSize+4 {
		return clientFrame{}, fmt.Errorf("frame truncated before length prefix")
	}
	size := int(binary.BigEndian.Uint32(data[headerSize : headerSize+4]))
	if len(data) < headerSize+4+size {
		return clientFrame{}, fmt.Errorf("frame truncated before payload end")
	}
	return clientFrame{
		messageType: MessageType(data[1] >> 4),
		flags:       MessageFlags(data[1] & 0x0f),
		payload:     data[headerSize+4 : headerSize+4+size],
	}, nil
}

func responseFrameJSON(t *testing.T, resp RecognitionResponse) []byte {
	t.Helper()
	payload, err := json.Marshal(resp)
	require.NoError(t, err)
	return encodeResponseFrame(t, Header{
		Type:          ServerFullResponse,
		Serialization: SerializationJSON,
	}, payload)
}

func errorFrame(t *testing.T, code uint32, message string) []byte {
	t.Helper()
	body, err := json.Marshal(RecognitionResponse{Message: message})
	require.NoError(t, err)
	header, err := Header{Type: ServerErrorResponse, Serialization: SerializationJSON}.EncodeHeader()
	require.NoError(t, err)
	frame := binary.BigEndian.AppendUint32(header, code)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	return append(frame, body...)
}

// newRecognitionServer runs handler on the upgraded connection of each
// request and returns the ws:// endpoint
func newRecognitionServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestClient(t *testing.T, endpoint string) *VolcengineSTT {
	t.Helper()
	client, err := NewVolcengineSTT(VolcengineConfig{
		AppID:        "test-app",
		Token:        "test-token",
		Endpoint:     endpoint,
		DrainTimeout: 200 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func collectEvents(t *testing.T, events <-chan repositories.TranscriptEvent) []repositories.TranscriptEvent {
	t.Helper()
	var got []repositories.TranscriptEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("timed out waiting for event channel to close, got %v", got)
		}
	}
}

func TestStreamRecognizeSendsFramedAudio(t *testing.T) {
	frames := make(chan clientFrame, 8)
	endpoint := newRecognitionServer(t, func(conn *websocket.Conn) {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := parseClientFrame(data)
			if err != nil {
				t.Errorf("bad client frame: %v", err)
				return
			}
			frames <- frame
		}
	})

	audio := make(chan []byte, 3)
	audio <- []byte("chunk-one")
	audio <- []byte("chunk-two")
	audio <- []byte("chunk-three")
	close(audio)

	client := newTestClient(t, endpoint)
	events, err := client.StreamRecognize(context.Background(), audio)
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsFinal)
	assert.NoError(t, got[0].Err)

	var received []clientFrame
	for frame := range frames {
		received = append(received, frame)
	}
	require.Len(t, received, 5)

	handshake := received[0]
	assert.Equal(t, ClientFullRequest, handshake.messageType)
	assert.Equal(t, NoSequence, handshake.flags)
	var body handshakeRequest
	require.NoError(t, json.Unmarshal(handshake.payload, &body))
	assert.Equal(t, "test-app", body.App.AppID)
	assert.Equal(t, "test-token", body.App.Token)
	assert.Equal(t, defaultCluster, body.App.Cluster)
	assert.NotEmpty(t, body.Request.ReqID)
	assert.Equal(t, 1, body.Request.Sequence)
	assert.Equal(t, "full", body.Request.ResultType)
	assert.Equal(t, "pcm", body.Audio.Format)
	assert.Equal(t, 16000, body.Audio.SampleRate)

	wantChunks := []string{"chunk-one", "chunk-two", "chunk-three"}
	for i, want := range wantChunks {
		frame := received[1+i]
		assert.Equal(t, ClientAudioOnlyRequest, frame.messageType)
		assert.Equal(t, PositiveSequence, frame.flags)
		assert.Equal(t, want, string(frame.payload))
	}

	terminal := received[4]
	assert.Equal(t, ClientAudioOnlyRequest, terminal.messageType)
	assert.Equal(t, NegativeSequenceFinal, terminal.flags)
	assert.Empty(t, terminal.payload)
}

func TestStreamRecognizeEmitsTranscripts(t *testing.T) {
	partial := responseFrameJSON(t, RecognitionResponse{
		Code:   1000,
		Result: []RecognitionResult{{Text: "你"}},
	})
	full := responseFrameJSON(t, RecognitionResponse{
		Code:   1000,
		Result: []RecognitionResult{{Text: "你好"}},
	})

	endpoint := newRecognitionServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("reading handshake: %v", err)
			return
		}
		for _, frame := range [][]byte{partial, full} {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.Errorf("writing response: %v", err)
				return
			}
		}
		// Hold the connection open so the drain timeout ends the session
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	audio := make(chan []byte)
	close(audio)

	client := newTestClient(t, endpoint)
	events, err := client.StreamRecognize(context.Background(), audio)
	require.NoError(t, err)

	got := collectEvents(t, events)
	want := []repositories.TranscriptEvent{
		{Text: "你"},
		{Text: "你好"},
		{Text: "你好", IsFinal: true},
	}
	assert.Equal(t, want, got)
}

func TestStreamRecognizeDrainsAfterLateAudioEnd(t *testing.T) {
	partial := responseFrameJSON(t, RecognitionResponse{
		Code:   1000,
		Result: []RecognitionResult{{Text: "你"}},
	})

	endpoint := newRecognitionServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("reading handshake: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, partial); err != nil {
			t.Errorf("writing response: %v", err)
			return
		}
		// Go silent with the connection still open: no final result and
		// no close frame
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	// The audio channel stays open until the first result arrives, so the
	// receiver is already parked in a read when the audio stream ends
	audio := make(chan []byte)

	client := newTestClient(t, endpoint)
	events, err := client.StreamRecognize(context.Background(), audio)
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, "你", event.Text)
		assert.False(t, event.IsFinal)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first event")
	}

	close(audio)
	start := time.Now()

	got := collectEvents(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, repositories.TranscriptEvent{Text: "你", IsFinal: true}, got[0])
	assert.Less(t, time.Since(start), 2*time.Second,
		"session should end within the drain window once the audio stream ends")
}

func TestStreamRecognizeServerError(t *testing.T) {
	serverClosed := make(chan struct{})
	frame := errorFrame(t, 550, "concurrency limit exceeded")

	endpoint := newRecognitionServer(t, func(conn *websocket.Conn) {
		defer close(serverClosed)
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("reading handshake: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Errorf("writing error frame: %v", err)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	audio := make(chan []byte)
	defer close(audio)

	client := newTestClient(t, endpoint)
	events, err := client.StreamRecognize(context.Background(), audio)
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 1)
	require.Error(t, got[0].Err)

	var serverErr *ServerError
	require.True(t, errors.As(got[0].Err, &serverErr))
	assert.Equal(t, uint32(550), serverErr.Code)
	assert.Equal(t, "concurrency limit exceeded", serverErr.Message)

	select {
	case <-serverClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after the error")
	}
}

func TestStreamRecognizeCancellation(t *testing.T) {
	serverClosed := make(chan struct{})
	partial := responseFrameJSON(t, RecognitionResponse{
		Code:   1000,
		Result: []RecognitionResult{{Text: "你"}},
	})

	endpoint := newRecognitionServer(t, func(conn *websocket.Conn) {
		defer close(serverClosed)
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("reading handshake: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, partial); err != nil {
			t.Errorf("writing response: %v", err)
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	// Keep the audio channel open so the session only ends through
	// cancellation
	audio := make(chan []byte)
	defer close(audio)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newTestClient(t, endpoint)
	events, err := client.StreamRecognize(ctx, audio)
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, "你", event.Text)
		assert.False(t, event.IsFinal)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first event")
	}

	cancel()

	// The channel must close promptly; whether the cancellation error
	// itself is delivered depends on whether the consumer is still
	// listening, so accept either
	timeout := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				select {
				case <-serverClosed:
				case <-time.After(2 * time.Second):
					t.Fatal("connection was not closed after cancellation")
				}
				return
			}
			assert.Error(t, event.Err)
		case <-timeout:
			t.Fatal("event channel did not close after cancellation")
		}
	}
}
