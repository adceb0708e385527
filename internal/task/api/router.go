package api

import (
	"github.com/gin-gonic/gin"

	"github.com/gantryhq/gantry/internal/chat"
	"github.com/gantryhq/gantry/internal/common/httpmw"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/gateway/websocket"
	"github.com/gantryhq/gantry/internal/metrics"
	"github.com/gantryhq/gantry/internal/task/service"
)

// Deps carries the services the HTTP surface exposes. Nil optional
// fields disable their routes.
type Deps struct {
	Tasks *service.Service
	Chat  *chat.Service
	WS    *websocket.Handler

	// APICredential guards mutating endpoints; empty leaves them open.
	APICredential string
	Metrics       bool
}

// SetupRoutes configures the Gantry API routes. Read endpoints are
// always open; mutating endpoints check the API key when one is
// configured.
func SetupRoutes(r *gin.Engine, deps Deps, log *logger.Logger) {
	handler := NewHandler(deps.Tasks, log)
	auth := httpmw.APIKeyAuth(deps.APICredential)

	r.GET("/api/health", handler.Health)

	api := r.Group("/api")

	tasks := api.Group("/tasks")
	{
		tasks.POST("", auth, handler.CreateTask)
		tasks.POST("/batch", auth, handler.CreateTasksBatch)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:id", handler.GetTask)
		tasks.GET("/:id/logs", handler.GetTaskLogs)
		tasks.POST("/:id/cancel", auth, handler.CancelTask)
		tasks.POST("/:id/retry", auth, handler.RetryTask)
		tasks.POST("/:id/approve-plan", auth, handler.ApprovePlan)
		tasks.POST("/:id/merge", auth, handler.MergeTask)
		tasks.DELETE("/:id", auth, handler.DeleteTask)
	}

	api.GET("/status", handler.GetStatus)

	if deps.Chat != nil {
		chatHandlers := NewChatHandlers(deps.Chat, log)
		sessions := api.Group("/chat/sessions")
		{
			sessions.POST("", auth, chatHandlers.CreateSession)
			sessions.GET("", chatHandlers.ListSessions)
			sessions.GET("/:id", chatHandlers.GetSession)
			sessions.DELETE("/:id", auth, chatHandlers.DeleteSession)
			sessions.POST("/:id/messages", auth, chatHandlers.SendMessage)
			sessions.GET("/:id/messages", chatHandlers.ListMessages)
			sessions.POST("/:id/cancel", auth, chatHandlers.CancelTurn)
		}
	}

	if deps.WS != nil {
		r.GET("/ws", deps.WS.HandleConnection)
	}

	if deps.Metrics {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}
