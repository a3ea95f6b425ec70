// Package middleware holds the gin.HandlerFunc chain the gateway's HTTP
// layer is built from: request id, structured logging, authentication.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/common/ctxkey"
	"github.com/songquanpeng/conduit-gateway/common/helper"
)

// RequestId generates a per-request identifier, echoes it as a response
// header, and stashes it in the gin context for handlers and the billing
// idempotency key.
func RequestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := helper.GenRequestID()
		c.Set(ctxkey.RequestId, id)
		c.Header(helper.RequestIdKey, id)
		c.Next()
	}
}
