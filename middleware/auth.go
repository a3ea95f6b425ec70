package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/common/ctxkey"
	"github.com/songquanpeng/conduit-gateway/common/helper"
	"github.com/songquanpeng/conduit-gateway/store"
)

// hashKey returns the SHA-256 hex digest ResolveVirtualKey looks up by. The
// bearer secret itself is never persisted or logged.
func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VirtualKeyAuth authenticates data-plane requests against an
// "Authorization: Bearer ck-<secret>" header, resolving the backing
// VirtualKey and VirtualKeyGroup through cfg.
func VirtualKeyAuth(cfg store.ConfigStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		secret = strings.TrimSpace(secret)
		if secret == "" || !strings.HasPrefix(secret, "ck-") {
			abortUnauthorized(c, "missing or malformed bearer token")
			return
		}

		vk, group, err := cfg.ResolveVirtualKey(c.Request.Context(), hashKey(secret))
		if err != nil || vk == nil || group == nil ||
			vk.Status != store.StatusEnabled || group.Status != store.StatusEnabled {
			abortUnauthorized(c, "invalid or disabled virtual key")
			return
		}

		c.Set(ctxkey.VirtualKey, vk)
		c.Set(ctxkey.VirtualKeyGroup, group)
		c.Next()
	}
}

// AdminAuth authenticates the admin-plane billing flush endpoint against a
// static master key, separate from the per-tenant VirtualKey scheme.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.AdminMasterKey == "" {
			abortUnauthorized(c, "admin endpoint is disabled")
			return
		}
		if c.GetHeader("X-Api-Key") != config.AdminMasterKey {
			abortUnauthorized(c, "invalid admin key")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	requestId := c.GetString(ctxkey.RequestId)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"message": helper.MessageWithRequestId(message, requestId),
			"type":    "Authentication",
		},
	})
}
