package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Till-X/live2d-viewer-chat/domain/repositories"
	"github.com/Till-X/live2d-viewer-chat/internal/config"
	"github.com/Till-X/live2d-viewer-chat/internal/websocket"
	"github.com/Till-X/live2d-viewer-chat/usecase"
)

// InitRoutes initializes all API routes
func InitRoutes(
	e *echo.Echo,
	hub *websocket.Hub,
	tts repositories.TextToSpeech,
	conversation *usecase.ConversationService,
	serverConfig config.ServerConfig,
	logger *zap.Logger,
) {
	// Viewer page and assets
	e.File("/", serverConfig.StaticDir+"/index.html")
	e.Static("/static", serverConfig.StaticDir)
	e.Static("/models", serverConfig.ModelsDir)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "live2d-viewer-chat",
		})
	})

	v1 := e.Group("/api/v1")

	v1.POST("/tts", func(c echo.Context) error {
		return synthesize(c, tts, logger)
	})
	v1.POST("/prompt", func(c echo.Context) error {
		return setPrompt(c, conversation, logger)
	})
	v1.POST("/history/clear", func(c echo.Context) error {
		return clearHistory(c, conversation, logger)
	})

	// WebSocket endpoint for the viewer duplex channel
	e.GET("/ws", func(c echo.Context) error {
		return websocket.HandleWebSocket(hub, c, logger)
	})
}

// synthesize renders a one-off clip outside of the chat flow, used by
// the frontend for prompt previews
func synthesize(c echo.Context, tts repositories.TextToSpeech, logger *zap.Logger) error {
	var req SynthesizeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Text is required",
		})
	}

	audio, err := tts.Synthesize(c.Request().Context(), req.Text, req.Voice)
	if err != nil {
		logger.Error("Synthesis request failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "synthesis_failed",
			Message: "Speech synthesis failed",
		})
	}

	return c.Blob(http.StatusOK, "audio/mpeg", audio)
}

func setPrompt(c echo.Context, conversation *usecase.ConversationService, logger *zap.Logger) error {
	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.ViewerID == "" || req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Viewer ID and prompt are required",
		})
	}

	if err := conversation.SetSystemPrompt(c.Request().Context(), req.ViewerID, req.Prompt); err != nil {
		logger.Error("Failed to set prompt",
			zap.String("viewerID", req.ViewerID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "prompt_update_failed",
			Message: "Failed to update prompt",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func clearHistory(c echo.Context, conversation *usecase.ConversationService, logger *zap.Logger) error {
	var req ClearHistoryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.ViewerID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Viewer ID is required",
		})
	}

	if err := conversation.ClearHistory(c.Request().Context(), req.ViewerID); err != nil {
		logger.Error("Failed to clear history",
			zap.String("viewerID", req.ViewerID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "history_clear_failed",
			Message: "Failed to clear history",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
