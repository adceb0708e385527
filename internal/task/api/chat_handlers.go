package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gantryhq/gantry/internal/chat"
	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/common/logger"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
)

// ChatHandlers contains the HTTP handlers for interactive agent
// sessions. Turn output streams over the websocket; these endpoints
// only manage sessions and enqueue messages.
type ChatHandlers struct {
	chat   *chat.Service
	logger *logger.Logger
}

// NewChatHandlers creates the chat API handlers.
func NewChatHandlers(svc *chat.Service, log *logger.Logger) *ChatHandlers {
	return &ChatHandlers{
		chat:   svc,
		logger: log,
	}
}

// CreateSession opens a new chat session. The body is optional; without
// one the session uses the configured default working directory.
// POST /api/chat/sessions
func (h *ChatHandlers) CreateSession(c *gin.Context) {
	var req v1.CreateChatSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(apperrors.ValidationError("body", err.Error()))
		return
	}

	session, err := h.chat.CreateSession(req.WorkingDir)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, session.ToAPI())
}

// ListSessions returns all chat sessions
// GET /api/chat/sessions
func (h *ChatHandlers) ListSessions(c *gin.Context) {
	sessions := h.chat.ListSessions()
	out := make([]*v1.ChatSession, len(sessions))
	for i, s := range sessions {
		out[i] = s.ToAPI()
	}
	c.JSON(http.StatusOK, out)
}

// GetSession returns a chat session by id
// GET /api/chat/sessions/:id
func (h *ChatHandlers) GetSession(c *gin.Context) {
	session, err := h.chat.GetSession(c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, session.ToAPI())
}

// DeleteSession removes a chat session and its transcript, cancelling
// any turn in flight
// DELETE /api/chat/sessions/:id
func (h *ChatHandlers) DeleteSession(c *gin.Context) {
	if err := h.chat.DeleteSession(c.Param("id")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, v1.ActionResponse{Status: "deleted"})
}

// SendMessage enqueues one user message. The agent's reply streams to
// websocket observers as chat frames; a session accepts one message at
// a time.
// POST /api/chat/sessions/:id/messages
func (h *ChatHandlers) SendMessage(c *gin.Context) {
	var req v1.ChatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationError("body", err.Error()))
		return
	}

	if err := h.chat.SendMessage(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, v1.ActionResponse{Status: "processing"})
}

// ListMessages returns a session's transcript, newest last
// GET /api/chat/sessions/:id/messages?limit=
func (h *ChatHandlers) ListMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			_ = c.Error(apperrors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	messages, err := h.chat.Messages(c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	out := make([]*v1.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = m.ToAPI()
	}
	c.JSON(http.StatusOK, out)
}

// CancelTurn stops the turn currently processing in a session, if any
// POST /api/chat/sessions/:id/cancel
func (h *ChatHandlers) CancelTurn(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.chat.GetSession(id); err != nil {
		_ = c.Error(err)
		return
	}

	if h.chat.Cancel(id) {
		c.JSON(http.StatusOK, v1.ActionResponse{Status: "cancelled"})
		return
	}
	c.JSON(http.StatusOK, v1.ActionResponse{Status: "idle"})
}
