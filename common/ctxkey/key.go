// Package ctxkey names the gin.Context keys the gateway's HTTP layer uses to
// pass per-request state between middleware and handlers.
package ctxkey

import "github.com/gin-gonic/gin"

const (
	// RequestId is the per-request identifier generated by the request-id
	// middleware, echoed in responses and used as the billing idempotency key.
	RequestId = "X-Request-Id"

	// VirtualKey holds the authenticated *store.VirtualKey for the request.
	// Set by the auth middleware after hashing and resolving the bearer token.
	VirtualKey = "virtual_key"

	// VirtualKeyGroup holds the authenticated *store.VirtualKeyGroup.
	VirtualKeyGroup = "virtual_key_group"

	// KeyRequestBody caches the raw request body bytes so they can be read
	// more than once (validation, then conversion) without re-reading the
	// underlying connection.
	KeyRequestBody = gin.BodyBytesKey
)
