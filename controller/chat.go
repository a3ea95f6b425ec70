// Package controller implements the gateway's data-plane and admin-plane
// HTTP handlers, translating gin requests into Dispatcher calls and shaping
// the normalized result back into an HTTP response.
package controller

import (
	"net/http"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/common/ctxkey"
	"github.com/songquanpeng/conduit-gateway/common/helper"
	"github.com/songquanpeng/conduit-gateway/common/logger"
	"github.com/songquanpeng/conduit-gateway/relay/dispatcher"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/relay/streaming"
	"github.com/songquanpeng/conduit-gateway/store"
)

// ChatCompletions serves POST /v1/chat/completions, dispatching to either the
// streaming or non-streaming path depending on the request body.
func ChatCompletions(d *dispatcher.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req model.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, model.NewError(model.KindValidation, "invalid request body: "+err.Error()))
			return
		}

		groupID, requestID := requestContext(c)

		if req.Stream {
			streamChatCompletion(c, d, groupID, requestID, &req)
			return
		}

		resp, errResp := d.ChatCompletion(c.Request.Context(), groupID, requestID, &req)
		if errResp != nil {
			writeError(c, errResp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func streamChatCompletion(c *gin.Context, d *dispatcher.Dispatcher, groupID, requestID string, req *model.ChatRequest) {
	ch, errResp := d.StreamChatCompletion(c.Request.Context(), groupID, requestID, req)
	if errResp != nil {
		writeError(c, errResp)
		return
	}

	streaming.SetEventStreamHeaders(c.Writer)
	c.Status(http.StatusOK)
	w := streaming.NewWriter(c.Writer)

	for item := range ch {
		if item.Err != nil {
			logger.Logger.Warn("stream terminated with error",
				zap.String("request_id", requestID), zap.String("kind", item.Err.Kind))
			break
		}
		if err := w.WriteJSON(item.Chunk); err != nil {
			logger.Logger.Warn("failed to write stream chunk to client",
				zap.String("request_id", requestID), zap.Error(err))
			return
		}
	}
	_ = w.WriteDone()
}

// requestContext extracts the authenticated group id and the request id set
// by earlier middleware.
func requestContext(c *gin.Context) (groupID, requestID string) {
	if v, ok := c.Get(ctxkey.VirtualKeyGroup); ok {
		if group, ok := v.(*store.VirtualKeyGroup); ok {
			groupID = group.Id
		}
	}
	requestID = c.GetString(ctxkey.RequestId)
	return
}

func writeError(c *gin.Context, err *model.ErrorWithStatusCode) {
	requestID := c.GetString(ctxkey.RequestId)
	err.Message = helper.MessageWithRequestId(err.Message, requestID)
	c.JSON(err.StatusCode, gin.H{"error": err.Error})
}
