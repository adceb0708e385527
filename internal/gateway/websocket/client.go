package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gantryhq/gantry/internal/common/logger"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size. Observers only send control traffic;
	// frames flow the other way.
	maxMessageSize = 1024

	// Per-client frame buffer. A client this far behind is detached.
	sendBuffer = 256
)

// Client is one connected observer.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// trySend queues a frame without blocking. False means the client's
// buffer is full and the hub should detach it.
func (c *Client) trySend(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// ReadPump keeps the connection's read side alive until the peer goes
// away. The stream is one-way: inbound text is discarded, reads exist
// for pong handling and close detection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump writes queued frames to the connection, one frame per
// message, and pings on a timer. It exits when the hub closes the send
// channel or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
