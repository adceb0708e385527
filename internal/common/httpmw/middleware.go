// Package httpmw provides the HTTP middleware shared by the Gantry API.
package httpmw

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/common/logger"
)

// RequestLogger tags every request with an id and logs it after the
// handler completes. Server errors log at error level, everything else
// at debug.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID),
		}
		if status >= http.StatusInternalServerError {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}

// ErrorHandler translates errors attached to the gin context into the
// application error envelope. Handlers report failures with c.Error and
// return; the last error wins.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var appErr *errors.AppError
		if !stderrors.As(err, &appErr) {
			appErr = errors.InternalError("request failed", err)
		}

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Error(appErr.Err))
		} else {
			log.Debug("request rejected",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message))
		}

		c.JSON(appErr.HTTPStatus, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
	}
}

// Recovery recovers from handler panics and answers with a 500.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{
						"code":    errors.ErrCodeInternalError,
						"message": "An internal server error occurred",
					},
				})
			}
		}()

		c.Next()
	}
}

// CORS adds CORS headers for the browser UI.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// APIKeyAuth guards a route with the X-API-Key header. An empty
// credential disables the check, leaving the API open.
func APIKeyAuth(credential string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if credential == "" {
			c.Next()
			return
		}

		if c.GetHeader("X-API-Key") != credential {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    errors.ErrCodeUnauthenticated,
					"message": "Invalid API key",
				},
			})
			return
		}

		c.Next()
	}
}
