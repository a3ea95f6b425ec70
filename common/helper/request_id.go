package helper

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestIdKey is the gin.Context key and response header name carrying the
// per-request identifier.
const RequestIdKey = "X-Request-Id"

// GenRequestID generates a new per-request identifier.
func GenRequestID() string {
	return uuid.New().String()
}

// MessageWithRequestId appends the request id to a client-facing error
// message so support requests can be correlated to server logs.
func MessageWithRequestId(message, requestId string) string {
	if requestId == "" {
		return message
	}
	return fmt.Sprintf("%s (request id: %s)", message, requestId)
}
