package adaptor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/songquanpeng/conduit-gateway/relay/adaptor"
	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/store"
)

type stubAdaptor struct{ id string }

func (s *stubAdaptor) Init(*meta.Meta) {}
func (s *stubAdaptor) CreateChatCompletion(context.Context, *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	return nil, nil
}
func (s *stubAdaptor) StreamChatCompletion(context.Context, *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	return nil, nil
}
func (s *stubAdaptor) CreateEmbedding(context.Context, *model.EmbeddingRequest) (*model.EmbeddingResponse, *model.ErrorWithStatusCode) {
	return nil, nil
}
func (s *stubAdaptor) CreateImage(context.Context, *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	return nil, nil
}
func (s *stubAdaptor) GetModels(context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	return nil, nil
}
func (s *stubAdaptor) GetCapabilities() store.Capabilities               { return store.Capabilities{} }
func (s *stubAdaptor) VerifyAuthentication(context.Context) *model.ErrorWithStatusCode { return nil }

// testProviderType is well outside the real enum range (see store.ProviderType's
// iota block), so registering under it can never collide with a real dialect.
const testProviderType store.ProviderType = 8500

func TestRegisterAndNewDispatchToTheRegisteredConstructor(t *testing.T) {
	adaptor.Register(testProviderType, func() adaptor.Adaptor { return &stubAdaptor{id: "first"} })

	got := adaptor.New(testProviderType)
	assert.NotNil(t, got)
	assert.Equal(t, "first", got.(*stubAdaptor).id)
}

func TestNewReturnsNilForUnregisteredProviderType(t *testing.T) {
	const unregistered store.ProviderType = 8501
	assert.Nil(t, adaptor.New(unregistered))
}

func TestRegisterOverwritesAPriorConstructorForTheSameType(t *testing.T) {
	const pt store.ProviderType = 8502
	adaptor.Register(pt, func() adaptor.Adaptor { return &stubAdaptor{id: "old"} })
	adaptor.Register(pt, func() adaptor.Adaptor { return &stubAdaptor{id: "new"} })

	got := adaptor.New(pt)
	assert.Equal(t, "new", got.(*stubAdaptor).id)
}

func TestNewCallsTheConstructorAfreshEachTime(t *testing.T) {
	const pt store.ProviderType = 8503
	calls := 0
	adaptor.Register(pt, func() adaptor.Adaptor {
		calls++
		return &stubAdaptor{id: "instance"}
	})

	first := adaptor.New(pt)
	second := adaptor.New(pt)
	assert.Equal(t, 2, calls)
	assert.NotSame(t, first, second)
}
