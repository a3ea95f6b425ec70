// Package meta carries the per-request state the Router and Provider
// Adaptor layer need to serve one gateway call.
package meta

import (
	"context"
	"time"

	"github.com/songquanpeng/conduit-gateway/store"
)

// Meta is built by the Dispatcher for each upstream attempt of the incoming
// request (New, then WithAttempt): Provider, Mapping, Credential and
// ActualModelName change across attempts, everything else stays the same
// for the life of the request.
type Meta struct {
	Ctx       context.Context
	Mode      int
	RequestID string
	StartTime time.Time
	IsStream  bool

	// GroupID identifies the VirtualKeyGroup billed for this request.
	GroupID string

	// RequestedAlias is the model name exactly as the caller sent it,
	// including any router microformat prefix (e.g. "router:leastused:gpt-4o").
	RequestedAlias string

	// Provider, Mapping and Credential describe the current attempt's
	// resolved destination. ActualModelName mirrors Mapping.NativeModelID
	// and is kept alongside it purely for adaptor convenience.
	Provider        *store.Provider
	Mapping         *store.ModelMapping
	Credential      *store.ProviderKeyCredential
	ActualModelName string
}

// New builds the immutable, request-scoped portion of Meta. The Dispatcher
// populates Provider/Mapping/Credential/ActualModelName via WithAttempt
// before each upstream call.
func New(ctx context.Context, mode int, requestID, groupID, requestedAlias string, isStream bool) *Meta {
	return &Meta{
		Ctx:            ctx,
		Mode:           mode,
		RequestID:      requestID,
		GroupID:        groupID,
		RequestedAlias: requestedAlias,
		IsStream:       isStream,
		StartTime:      time.Now(),
	}
}

// WithAttempt returns a shallow copy of m targeting a different resolved
// mapping. The Dispatcher calls this once per attempt so that retrying
// against a fallback mapping never mutates the attempt another goroutine
// might still be inspecting.
func (m *Meta) WithAttempt(provider *store.Provider, mapping *store.ModelMapping, cred *store.ProviderKeyCredential) *Meta {
	clone := *m
	clone.Provider = provider
	clone.Mapping = mapping
	clone.Credential = cred
	if mapping != nil {
		clone.ActualModelName = mapping.NativeModelID
	}
	return &clone
}
