package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TerminalHandler mounts the terminal websocket endpoint.
type TerminalHandler struct {
	ws http.Handler
}

// NewTerminalHandler creates a TerminalHandler around the websocket handler.
func NewTerminalHandler(ws http.Handler) *TerminalHandler {
	return &TerminalHandler{ws: ws}
}

// Attach handles GET /terminal?token=... and upgrades to a websocket.
// Authentication happens after the upgrade so rejections carry close code 1008.
func (h *TerminalHandler) Attach(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the terminal route.
func (h *TerminalHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/terminal", h.Attach)
}

// Health handles GET /health. active reports the number of live sessions.
func Health(active func() int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": active(),
		})
	}
}
