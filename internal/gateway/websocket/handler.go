package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gantryhq/gantry/internal/common/logger"
)

// The UI is served from the same host; upgrades stay open to any origin
// for local tooling.
var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests into hub-attached observers.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler bound to a hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithComponent("ws-handler"),
	}
}

// HandleConnection upgrades the request and pumps frames until the peer
// goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)

	h.logger.Debug("websocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
