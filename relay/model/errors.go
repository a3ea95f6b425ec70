package model

import "net/http"

// Error kind tags. Adapters classify every failure into exactly one of these;
// router.ShouldRetry uses the kind to decide whether a mapping retry is
// worthwhile, and Retryable records that same decision on each error.
const (
	KindConfiguration   = "Configuration"
	KindValidation      = "Validation"
	KindAuthentication  = "Authentication"
	KindRateLimited     = "RateLimited"
	KindModelUnavailable = "ModelUnavailable"
	KindUpstream        = "Upstream"
	KindTimeout         = "Timeout"
	KindCancelled       = "Cancelled"
	KindUnsupported     = "Unsupported"
	KindCommunication   = "Communication"
)

var retryableKinds = map[string]bool{
	KindRateLimited: true,
	KindUpstream:    true,
	KindTimeout:     true,
	KindCommunication: true,
}

// httpStatusByKind maps each taxonomy kind to the HTTP status surfaced to the caller.
var httpStatusByKind = map[string]int{
	KindConfiguration:    http.StatusInternalServerError,
	KindValidation:       http.StatusBadRequest,
	KindAuthentication:   http.StatusUnauthorized,
	KindRateLimited:      http.StatusTooManyRequests,
	KindModelUnavailable: http.StatusNotFound,
	KindUpstream:         http.StatusBadGateway,
	KindTimeout:          http.StatusGatewayTimeout,
	KindCancelled:        499,
	KindUnsupported:      http.StatusNotImplemented,
	KindCommunication:    http.StatusBadGateway,
}

// NewError builds an ErrorWithStatusCode for the given taxonomy kind, deriving the
// HTTP status code and retry eligibility from the kind itself.
func NewError(kind, message string) *ErrorWithStatusCode {
	status, ok := httpStatusByKind[kind]
	if !ok {
		status = http.StatusBadGateway
	}
	return &ErrorWithStatusCode{
		Error: Error{
			Message: message,
			Type:    kind,
		},
		StatusCode: status,
		Kind:       kind,
		Retryable:  retryableKinds[kind],
	}
}

// Wrap attaches the original error for diagnostics while keeping the taxonomy kind.
func (e *ErrorWithStatusCode) Wrap(err error) *ErrorWithStatusCode {
	e.RawError = err
	return e
}
