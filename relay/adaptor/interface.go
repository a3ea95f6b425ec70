// Package adaptor defines the uniform contract every provider dialect
// implements, plus the shared HTTP plumbing adaptors build on.
package adaptor

import (
	"context"

	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/store"
)

// StreamChunk is one item of a StreamChatCompletion sequence. The terminal
// item either carries a non-nil Err or a Chunk whose sole choice has a
// non-nil FinishReason; once either arrives the channel is closed.
type StreamChunk struct {
	Chunk *model.ChatCompletionChunk
	Err   *model.ErrorWithStatusCode
}

// Adaptor is the uniform interface the Router and Dispatcher drive against;
// every provider dialect translates the normalized request/response shapes
// in relay/model to and from its own wire format behind this contract.
type Adaptor interface {
	// Init binds the adaptor to one resolved attempt (provider, mapping,
	// credential). It must be called before any other method.
	Init(m *meta.Meta)

	CreateChatCompletion(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode)

	// StreamChatCompletion returns a channel that lazily yields chunks as
	// they arrive from upstream. The channel is always closed by the
	// adaptor, with the terminal item carrying either an error or a
	// finish_reason. Cancelling ctx must stop upstream reading and close
	// the channel without a further send.
	StreamChatCompletion(ctx context.Context, req *model.ChatRequest) (<-chan StreamChunk, *model.ErrorWithStatusCode)

	// CreateEmbedding and CreateImage return a KindUnsupported error for
	// dialects that don't implement the corresponding operation.
	CreateEmbedding(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, *model.ErrorWithStatusCode)
	CreateImage(ctx context.Context, req *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode)

	GetModels(ctx context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode)

	// GetCapabilities reports what this adaptor's current mapping supports,
	// consulted by the Dispatcher before the request is ever sent upstream.
	GetCapabilities() store.Capabilities

	// VerifyAuthentication performs the cheapest possible side-effect-free
	// probe that proves the bound credential is valid.
	VerifyAuthentication(ctx context.Context) *model.ErrorWithStatusCode
}

var registry = map[store.ProviderType]func() Adaptor{}

// Register associates a provider type with a constructor. Each provider
// package calls this from an init() func so New can dispatch to it without
// this package importing every provider subpackage.
func Register(t store.ProviderType, ctor func() Adaptor) {
	registry[t] = ctor
}

// New constructs the Adaptor for providerType, or nil if the type has no
// registered dialect.
func New(providerType store.ProviderType) Adaptor {
	ctor, ok := registry[providerType]
	if !ok {
		return nil
	}
	return ctor()
}
