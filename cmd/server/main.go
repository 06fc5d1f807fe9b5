package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/adapters/llm"
	"github.com/Till-X/live2d-viewer-chat/adapters/memory"
	adaptermongo "github.com/Till-X/live2d-viewer-chat/adapters/mongo"
	"github.com/Till-X/live2d-viewer-chat/adapters/stt"
	"github.com/Till-X/live2d-viewer-chat/adapters/tts"
	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
	"github.com/Till-X/live2d-viewer-chat/internal/api"
	"github.com/Till-X/live2d-viewer-chat/internal/config"
	"github.com/Till-X/live2d-viewer-chat/internal/websocket"
	"github.com/Till-X/live2d-viewer-chat/usecase"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded environment from .env")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Conversation history store
	var history repositories.ConversationRepository
	if cfg.Mongo.URI != "" {
		client, err := adaptermongo.NewClient(cfg.Mongo.URI, cfg.Mongo.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Close(ctx)
		}()
		history = adaptermongo.NewConversationRepository(client.Database)
	} else {
		logger.Info("MONGODB_URI not set, keeping conversation history in memory")
		history = memory.NewConversationRepository()
	}

	speechToText := buildSpeechToText(cfg, logger)
	largeLanguageModel := buildLargeLanguageModel(cfg, logger)

	textToSpeech, err := tts.NewVolcengineTTS(tts.VolcengineConfig{
		AppID:   cfg.TTS.AppID,
		Token:   cfg.TTS.Token,
		Cluster: cfg.TTS.Cluster,
		Voice:   cfg.TTS.Voice,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create speech synthesizer", zap.Error(err))
	}

	conversationService := usecase.NewConversationService(
		largeLanguageModel, textToSpeech, history, cfg.Server.SystemPrompt, logger)

	hub := websocket.NewHub(speechToText, conversationService, logger)
	go hub.Run()

	// Create Echo instance
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, hub, textToSpeech, conversationService, cfg.Server, logger)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Server.Port),
		zap.String("asrProvider", cfg.ASR.Provider),
		zap.String("llmProvider", cfg.LLM.Provider))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func buildSpeechToText(cfg *config.Config, logger *zap.Logger) repositories.SpeechToText {
	audio := repositories.AudioConfig{
		Format:     "pcm",
		SampleRate: cfg.ASR.SampleRate,
		Language:   cfg.ASR.Language,
		Bits:       16,
		Channels:   1,
		Codec:      "raw",
	}

	switch cfg.ASR.Provider {
	case "google":
		return stt.NewGoogleSTT(audio, logger)
	default:
		client, err := stt.NewVolcengineSTT(stt.VolcengineConfig{
			AppID:        cfg.ASR.AppID,
			Token:        cfg.ASR.Token,
			Cluster:      cfg.ASR.Cluster,
			Audio:        audio,
			DrainTimeout: time.Duration(cfg.ASR.DrainTimeoutMS) * time.Millisecond,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create speech recognizer", zap.Error(err))
		}
		return client
	}
}

func buildLargeLanguageModel(cfg *config.Config, logger *zap.Logger) repositories.LargeLanguageModel {
	switch cfg.LLM.Provider {
	case "gemini":
		model, err := llm.NewGeminiLLM(context.Background(), llm.GeminiConfig{
			APIKey: cfg.LLM.GeminiAPIKey,
			Model:  cfg.LLM.Model,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create Gemini client", zap.Error(err))
		}
		return model
	default:
		return llm.NewArkLLM(llm.ArkConfig{
			APIKey:  cfg.LLM.ArkAPIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		}, logger)
	}
}
