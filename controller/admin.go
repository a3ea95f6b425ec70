package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/relay/billing"
)

// FlushBillingBatch serves POST /api/batch-spending/flush: the admin-plane
// escape hatch that forces the billing Flusher to drain its pending charges
// immediately, used for deterministic end-to-end testing.
func FlushBillingBatch(fl *billing.Flusher) gin.HandlerFunc {
	return func(c *gin.Context) {
		fl.Flush()
		c.JSON(http.StatusOK, gin.H{"status": "flushed"})
	}
}
