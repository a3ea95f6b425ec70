package middleware

import (
	"time"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/common/ctxkey"
	"github.com/songquanpeng/conduit-gateway/common/graceful"
	"github.com/songquanpeng/conduit-gateway/common/logger"
)

// RequestTracker marks a request in-flight for the duration of the handler
// chain so a graceful shutdown's Drain knows to wait for it, including the
// full lifetime of a streaming SSE response.
func RequestTracker() gin.HandlerFunc {
	return func(c *gin.Context) {
		end := graceful.BeginRequest()
		defer end()
		c.Next()
	}
}

// RequestLogger logs one structured line per finished request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", c.GetString(ctxkey.RequestId)),
		)
	}
}

// Recovery converts a panic in a downstream handler into a 500 JSON error
// instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Logger.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(ctxkey.RequestId)))
				c.AbortWithStatusJSON(500, gin.H{
					"error": gin.H{
						"message": "internal server error",
						"type":    "internal_error",
					},
				})
			}
		}()
		c.Next()
	}
}
