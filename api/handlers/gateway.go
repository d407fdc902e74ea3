package handlers

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/openmoba/broker/internal/recorder"
	"github.com/openmoba/broker/internal/ws"
)

// GatewayHandler exposes the websocket gateway, health and recordings.
type GatewayHandler struct {
	service      *ws.Service
	recordingDir string
	logger       *slog.Logger
}

// NewGatewayHandler creates a new GatewayHandler. recordingDir may be
// empty when recording is off.
func NewGatewayHandler(service *ws.Service, recordingDir string, logger *slog.Logger) *GatewayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayHandler{
		service:      service,
		recordingDir: recordingDir,
		logger:       logger.With("component", "gateway-http"),
	}
}

// Health handles GET /health.
func (h *GatewayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"broker": h.service.Status(),
	})
}

// Broadcast handles WS /api/ws.
func (h *GatewayHandler) Broadcast(c *gin.Context) {
	if err := h.service.Handler().ServeBroadcast(c.Writer, c.Request); err != nil {
		// The upgrader has already answered the request.
		h.logger.Debug("broadcast upgrade failed", "error", err)
	}
}

// Lane handles WS /api/lanes/:id?token=.
func (h *GatewayHandler) Lane(c *gin.Context) {
	if err := h.service.Handler().ServeLane(c.Writer, c.Request, c.Param("id"), c.Query("token")); err != nil {
		h.logger.Debug("lane upgrade failed", "session_id", c.Param("id"), "error", err)
	}
}

// Recording handles GET /api/recordings/:id - downloads a shell recording.
func (h *GatewayHandler) Recording(c *gin.Context) {
	sessionID := c.Param("id")
	if h.recordingDir == "" {
		sendError(c, http.StatusNotFound, codeNotFound, "Recording is disabled")
		return
	}

	path := recorder.Path(h.recordingDir, sessionID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			sendError(c, http.StatusNotFound, codeNotFound, "No recording for session "+sessionID)
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.FileAttachment(path, sessionID+".cast")
}

// RegisterRoutes registers the gateway routes. Health lives at the root,
// everything else under rg.
func (h *GatewayHandler) RegisterRoutes(root *gin.Engine, rg *gin.RouterGroup) {
	root.GET("/health", h.Health)
	rg.GET("/ws", h.Broadcast)
	rg.GET("/lanes/:id", h.Lane)
	rg.GET("/recordings/:id", h.Recording)
}
