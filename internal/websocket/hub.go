package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
	"github.com/Till-X/live2d-viewer-chat/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Audio chunks buffered between the socket reader and the
	// recognition sender
	audioBufferChunks = 64

	turnTimeout = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The viewer page is served from the same origin; loosen this
		// if the frontend ever moves to a CDN
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub maintains the set of active viewer clients
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	stt          repositories.SpeechToText
	conversation *usecase.ConversationService

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(
	stt repositories.SpeechToText,
	conversation *usecase.ConversationService,
	logger *zap.Logger,
) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		stt:          stt,
		conversation: conversation,
		logger:       logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.viewerID] = client
			h.mu.Unlock()
			h.logger.Info("Viewer connected", zap.String("viewerID", client.viewerID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.viewerID]; ok {
				delete(h.clients, client.viewerID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("Viewer disconnected", zap.String("viewerID", client.viewerID))
		}
	}
}

// WriteData is one outbound WebSocket message
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between one viewer's connection and the hub
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	viewerID string
	logger   *zap.Logger

	// Voice capture state; audio is non-nil while listening
	mutex  sync.Mutex
	audio  chan []byte
	cancel context.CancelFunc
}

// HandleWebSocket handles websocket requests from viewers
func HandleWebSocket(hub *Hub, c echo.Context, logger *zap.Logger) error {
	viewerID := c.QueryParam("viewer_id")
	if viewerID == "" {
		viewerID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, 256),
		viewerID: viewerID,
		logger:   logger.With(zap.String("viewerID", viewerID)),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.stopListening()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processControlMessage(message)
		case websocket.BinaryMessage:
			c.processAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) processControlMessage(data []byte) {
	parsed, err := ParseMessage(data)
	if err != nil {
		c.logger.Warn("Rejected control message", zap.Error(err))
		c.sendJSON(NewErrorMessage(err.Error()))
		return
	}

	switch msg := parsed.(type) {
	case *ListeningStartMessage:
		c.handleListeningStart()
	case *BaseMessage:
		// The only bare control message is listening_end
		c.handleListeningEnd()
	case *ChatTextMessage:
		go c.runTurn(msg.Text)
	case *SetPromptMessage:
		c.handleSetPrompt(msg.Prompt)
	}
}

// processAudioChunk forwards binary PCM to the active recognition
// session; chunks outside a capture session are dropped
func (c *Client) processAudioChunk(data []byte) {
	c.mutex.Lock()
	audio := c.audio
	c.mutex.Unlock()

	if audio == nil {
		c.logger.Warn("Dropping audio chunk outside a capture session",
			zap.Int("size", len(data)))
		return
	}

	chunk := append([]byte(nil), data...)
	select {
	case audio <- chunk:
	default:
		// Recognition is not keeping up; dropping a chunk degrades the
		// transcript but keeps the socket reader live
		c.logger.Warn("Dropping audio chunk, recognition backlog full")
	}
}

func (c *Client) handleListeningStart() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.audio != nil {
		c.logger.Warn("Ignoring listening_start during an active capture session")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	audio := make(chan []byte, audioBufferChunks)

	events, err := c.hub.stt.StreamRecognize(ctx, audio)
	if err != nil {
		cancel()
		c.logger.Error("Failed to start recognition", zap.Error(err))
		c.sendJSON(NewErrorMessage("speech recognition unavailable"))
		return
	}

	c.audio = audio
	c.cancel = cancel
	c.logger.Info("Voice capture started")

	go c.consumeTranscripts(events)
}

func (c *Client) handleListeningEnd() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.audio == nil {
		c.logger.Warn("Ignoring listening_end with no active capture session")
		return
	}

	// Closing the audio channel lets recognition drain its result tail;
	// the transcript consumer owns the rest of the turn
	close(c.audio)
	c.audio = nil
	c.logger.Info("Voice capture ended")
}

// consumeTranscripts relays recognition events to the viewer and runs
// the chat turn once the final transcript settles
func (c *Client) consumeTranscripts(events <-chan repositories.TranscriptEvent) {
	for event := range events {
		if event.Err != nil {
			c.logger.Error("Recognition failed", zap.Error(event.Err))
			c.sendJSON(NewErrorMessage("speech recognition failed"))
			c.stopListening()
			return
		}

		c.sendJSON(NewTranscriptMessage(event.Text, event.IsFinal))

		if event.IsFinal {
			c.stopListening()
			if event.Text != "" {
				c.runTurn(event.Text)
			}
			return
		}
	}
	c.stopListening()
}

// runTurn executes one conversation turn and streams the results back
func (c *Client) runTurn(transcript string) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	if _, err := c.hub.conversation.ProcessUtterance(ctx, c.viewerID, transcript, &clientSink{client: c}); err != nil {
		c.logger.Error("Conversation turn failed", zap.Error(err))
		c.sendJSON(NewErrorMessage("chat reply failed"))
	}
}

func (c *Client) handleSetPrompt(prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.hub.conversation.SetSystemPrompt(ctx, c.viewerID, prompt); err != nil {
		c.logger.Error("Failed to set system prompt", zap.Error(err))
		c.sendJSON(NewErrorMessage("failed to set prompt"))
		return
	}
	c.logger.Info("System prompt updated", zap.Int("promptLength", len(prompt)))
}

// stopListening tears down any in-flight recognition session. readPump
// is the only goroutine sending on the audio channel, so only
// handleListeningEnd, which runs on it, may close the channel; teardown
// from other goroutines abandons the channel instead and relies on
// cancellation to end the recognition sender. A chunk forwarded during
// the teardown window lands in the orphaned buffer and is dropped.
func (c *Client) stopListening() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.audio = nil
}

func (c *Client) sendJSON(message interface{}) {
	payload, err := json.Marshal(message)
	if err != nil {
		c.logger.Error("Failed to marshal outbound message", zap.Error(err))
		return
	}
	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

func (c *Client) enqueue(message WriteData) {
	defer func() {
		// The send channel closes when the hub unregisters this client;
		// a late pipeline result should not crash the process
		if recover() != nil {
			c.logger.Warn("Dropped message for disconnected viewer")
		}
	}()
	select {
	case c.send <- message:
	default:
		c.logger.Warn("Dropped message, send buffer full")
	}
}

// clientSink forwards pipeline output to the viewer: chat deltas as
// they stream, then the voice clip bracketed by speaking markers
type clientSink struct {
	client *Client
}

func (s *clientSink) OnChatDelta(text string) {
	s.client.sendJSON(NewChatDeltaMessage(text))
}

func (s *clientSink) OnSpeech(audio []byte) {
	s.client.sendJSON(&BaseMessage{Type: MessageTypeSpeakingStart, Timestamp: time.Now().Format(time.RFC3339)})
	s.client.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: audio})
	s.client.sendJSON(&BaseMessage{Type: MessageTypeSpeakingEnd, Timestamp: time.Now().Format(time.RFC3339)})
}
