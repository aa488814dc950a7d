package api

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/servergem/servergem/pkg/gateway"
	"github.com/servergem/servergem/pkg/llm"
	"github.com/servergem/servergem/pkg/version"
	"github.com/servergem/servergem/pkg/wire"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": version.AppName,
		"version": version.Full(),
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_connections": s.gw.ActiveConnections(),
		"active_sessions":    s.gw.ActiveSessions(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

type chatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

type chatResponse struct {
	SessionID string            `json:"session_id"`
	Response  *wire.ChatPayload `json:"response"`
}

// handleChat is the non-streaming path: one request, one full turn, no
// stage progress. Clients that want progress use the WebSocket.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id and message are required"})
		return
	}

	payload, err := s.gw.Chat(c.Request.Context(), req.SessionID, req.Message)
	if err != nil {
		s.logger.Error("chat turn failed", "session_id", req.SessionID, "error", err)
		status := http.StatusInternalServerError
		code := wire.CodeAPIError
		switch {
		case llm.IsQuota(err):
			status, code = http.StatusTooManyRequests, wire.CodeQuotaExceeded
		case llm.IsAuth(err):
			status, code = http.StatusUnauthorized, wire.CodeInvalidAPIKey
		}
		c.JSON(status, gin.H{"error": err.Error(), "code": code})
		return
	}

	c.JSON(http.StatusOK, chatResponse{SessionID: req.SessionID, Response: payload})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Origin allowlisting is left to the fronting proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Blocks until the connection is gone.
	if err := s.gw.Handle(c.Request.Context(), gateway.NewWebSocketTransport(conn)); err != nil {
		s.logger.Warn("websocket session ended with error", "error", err)
	}
}
