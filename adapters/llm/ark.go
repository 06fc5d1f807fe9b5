package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
)

const (
	defaultArkBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	defaultArkModel   = "deepseek-v3-1-terminus"
	defaultArkTimeout = 60 * time.Second

	mockReply = "我现在处于演示模式，没有接入真正的语言模型。你刚才说的我听到了！"
)

// ArkConfig configures the Ark chat completion API client
type ArkConfig struct {
	APIKey  string // Empty API key switches the adapter to mock replies
	BaseURL string
	Model   string
	Timeout time.Duration
}

// ArkLLM implements LargeLanguageModel against the Ark chat completion
// API, which follows the OpenAI wire format.
type ArkLLM struct {
	config ArkConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.LargeLanguageModel = (*ArkLLM)(nil)

// NewArkLLM creates an Ark client. A missing API key is not an error:
// the adapter falls back to canned replies so the rest of the pipeline
// stays testable without credentials.
func NewArkLLM(config ArkConfig, logger *zap.Logger) *ArkLLM {
	if config.BaseURL == "" {
		config.BaseURL = defaultArkBaseURL
	}
	if config.Model == "" {
		config.Model = defaultArkModel
	}
	if config.Timeout == 0 {
		config.Timeout = defaultArkTimeout
	}
	if config.APIKey == "" {
		logger.Warn("Ark API key not configured, chat replies will be mocked")
	}
	return &ArkLLM{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// GenerateChat starts a chat session seeded with the system prompt and
// prior history
func (a *ArkLLM) GenerateChat(ctx context.Context, systemPrompt string, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &arkChatSession{
		llm:          a,
		systemPrompt: systemPrompt,
		history:      append([]repositories.ChatMessage(nil), history...),
	}, nil
}

type arkChatSession struct {
	llm          *ArkLLM
	systemPrompt string

	mu      sync.Mutex
	history []repositories.ChatMessage
}

// chatCompletionRequest mirrors the OpenAI-compatible request body
type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamMessage sends the user message and streams the assistant reply
// delta by delta. The channel closes when the reply is complete or the
// stream fails; the partial reply collected so far always lands in the
// session history.
func (s *arkChatSession) StreamMessage(ctx context.Context, message string) (<-chan string, error) {
	s.mu.Lock()
	s.history = append(s.history, repositories.ChatMessage{
		Role:    repositories.UserRole,
		Content: message,
	})
	messages := s.requestMessages()
	s.mu.Unlock()

	if s.llm.config.APIKey == "" {
		return s.streamMock(ctx), nil
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:    s.llm.config.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.llm.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.llm.config.APIKey)

	resp, err := s.llm.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, detail)
	}

	deltas := make(chan string)
	go s.streamResponse(ctx, resp.Body, deltas)
	return deltas, nil
}

func (s *arkChatSession) streamResponse(ctx context.Context, body io.ReadCloser, deltas chan<- string) {
	defer close(deltas)
	defer body.Close()

	var reply strings.Builder
	defer func() {
		if reply.Len() > 0 {
			s.appendAssistant(reply.String())
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.llm.logger.Warn("Skipping undecodable chat chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		select {
		case deltas <- delta:
			reply.WriteString(delta)
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.llm.logger.Warn("Chat stream ended early", zap.Error(err))
	}
}

// streamMock replies without calling the API, one rune at a time to
// keep the streaming consumers honest
func (s *arkChatSession) streamMock(ctx context.Context) <-chan string {
	deltas := make(chan string)
	go func() {
		defer close(deltas)
		for _, r := range mockReply {
			select {
			case deltas <- string(r):
			case <-ctx.Done():
				return
			}
		}
		s.appendAssistant(mockReply)
	}()
	return deltas
}

func (s *arkChatSession) appendAssistant(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: content,
	})
}

func (s *arkChatSession) requestMessages() []chatMessage {
	messages := make([]chatMessage, 0, len(s.history)+1)
	if s.systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: s.systemPrompt})
	}
	for _, msg := range s.history {
		messages = append(messages, chatMessage{
			Role:    apiRole(msg.Role),
			Content: msg.Content,
		})
	}
	return messages
}

// History returns a copy of the accumulated conversation
func (s *arkChatSession) History() []repositories.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repositories.ChatMessage(nil), s.history...)
}

func apiRole(role repositories.Role) string {
	switch role {
	case repositories.AssistantRole:
		return "assistant"
	case repositories.SystemRole:
		return "system"
	default:
		return "user"
	}
}
