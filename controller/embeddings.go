package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/relay/dispatcher"
	"github.com/songquanpeng/conduit-gateway/relay/model"
)

// Embeddings serves POST /v1/embeddings.
func Embeddings(d *dispatcher.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req model.EmbeddingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, model.NewError(model.KindValidation, "invalid request body: "+err.Error()))
			return
		}

		groupID, requestID := requestContext(c)
		resp, errResp := d.Embedding(c.Request.Context(), groupID, requestID, &req)
		if errResp != nil {
			writeError(c, errResp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
