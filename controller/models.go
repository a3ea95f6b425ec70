package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/relay/dispatcher"
)

// Models serves GET /v1/models.
func Models(d *dispatcher.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, errResp := d.Models(c.Request.Context())
		if errResp != nil {
			writeError(c, errResp)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
