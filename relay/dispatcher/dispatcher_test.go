package dispatcher_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songquanpeng/conduit-gateway/relay/adaptor"
	"github.com/songquanpeng/conduit-gateway/relay/billing"
	"github.com/songquanpeng/conduit-gateway/relay/dispatcher"
	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/relay/router"
	"github.com/songquanpeng/conduit-gateway/store"
)

// fakeCfg is a minimal in-memory store.ConfigStore scoped to what the
// dispatcher's resolveDirect/Router.Resolve paths touch.
type fakeCfg struct {
	providers map[int64]*store.Provider
	creds     map[int64]*store.ProviderKeyCredential
	mappings  map[string][]*store.ModelMapping
	costs     map[int64]*store.ModelCost
}

func newFakeCfg() *fakeCfg {
	return &fakeCfg{
		providers: map[int64]*store.Provider{},
		creds:     map[int64]*store.ProviderKeyCredential{},
		mappings:  map[string][]*store.ModelMapping{},
		costs:     map[int64]*store.ModelCost{},
	}
}

func (f *fakeCfg) addProvider(id int64, t store.ProviderType) {
	f.providers[id] = &store.Provider{Id: id, Name: "p", Type: t, Status: store.StatusEnabled}
	f.creds[id] = &store.ProviderKeyCredential{Id: id, ProviderID: id, Status: store.StatusEnabled}
	f.costs[id] = &store.ModelCost{InputCostPerM: decimal.NewFromFloat(1), OutputCostPerM: decimal.NewFromFloat(1)}
}

func (f *fakeCfg) addMapping(alias string, m *store.ModelMapping) {
	f.mappings[alias] = append(f.mappings[alias], m)
}

func (f *fakeCfg) ResolveVirtualKey(context.Context, string) (*store.VirtualKey, *store.VirtualKeyGroup, error) {
	return nil, nil, store.NewNotFoundError("virtual key")
}
func (f *fakeCfg) ModelMappingsForAlias(_ context.Context, alias string) ([]*store.ModelMapping, error) {
	return f.mappings[alias], nil
}
func (f *fakeCfg) ModelMapping(_ context.Context, id int64) (*store.ModelMapping, error) {
	for _, list := range f.mappings {
		for _, m := range list {
			if m.Id == id {
				return m, nil
			}
		}
	}
	return nil, store.NewNotFoundError("mapping")
}
func (f *fakeCfg) Provider(_ context.Context, id int64) (*store.Provider, error) {
	if p, ok := f.providers[id]; ok {
		return p, nil
	}
	return nil, store.NewNotFoundError("provider")
}
func (f *fakeCfg) ProviderCredential(_ context.Context, providerID int64) (*store.ProviderKeyCredential, error) {
	if c, ok := f.creds[providerID]; ok {
		return c, nil
	}
	return nil, store.NewNotFoundError("credential")
}
func (f *fakeCfg) ModelCost(_ context.Context, providerID int64, _ string) (*store.ModelCost, error) {
	if c, ok := f.costs[providerID]; ok {
		return c, nil
	}
	return nil, store.NewNotFoundError("cost")
}
func (f *fakeCfg) AllProviders(context.Context) ([]*store.Provider, error) { return nil, nil }
func (f *fakeCfg) ModelMappingsForProvider(context.Context, int64) ([]*store.ModelMapping, error) {
	return nil, nil
}

// fakeBalanceStore is a trivial in-memory store.BalanceStore.
type fakeBalanceStore struct {
	balance map[string]decimal.Decimal
}

func newFakeBalanceStore() *fakeBalanceStore {
	return &fakeBalanceStore{balance: map[string]decimal.Decimal{}}
}

func (b *fakeBalanceStore) Debit(_ context.Context, groupID string, amount decimal.Decimal) (decimal.Decimal, error) {
	b.balance[groupID] = b.balance[groupID].Sub(amount)
	return b.balance[groupID], nil
}

func (b *fakeBalanceStore) Balance(_ context.Context, groupID string) (decimal.Decimal, error) {
	return b.balance[groupID], nil
}

// scriptedAdaptor is a per-provider-type-registered adaptor.Adaptor whose
// behavior is scripted ahead of time; calls is incremented on every
// CreateChatCompletion/StreamChatCompletion invocation so tests can assert a
// candidate was (or wasn't) actually called.
type scriptedAdaptor struct {
	calls int32

	chatResp  *model.ChatResponse
	chatErr   *model.ErrorWithStatusCode
	streamErr *model.ErrorWithStatusCode
	chunks    []*model.ChatCompletionChunk
}

func (a *scriptedAdaptor) Init(*meta.Meta) {}

func (a *scriptedAdaptor) CreateChatCompletion(context.Context, *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	atomic.AddInt32(&a.calls, 1)
	return a.chatResp, a.chatErr
}

func (a *scriptedAdaptor) StreamChatCompletion(context.Context, *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	atomic.AddInt32(&a.calls, 1)
	if a.streamErr != nil {
		return nil, a.streamErr
	}
	ch := make(chan adaptor.StreamChunk, len(a.chunks))
	for _, c := range a.chunks {
		ch <- adaptor.StreamChunk{Chunk: c}
	}
	close(ch)
	return ch, nil
}

func (a *scriptedAdaptor) CreateEmbedding(context.Context, *model.EmbeddingRequest) (*model.EmbeddingResponse, *model.ErrorWithStatusCode) {
	return nil, model.NewError(model.KindUnsupported, "not scripted")
}

func (a *scriptedAdaptor) CreateImage(context.Context, *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	return nil, model.NewError(model.KindUnsupported, "not scripted")
}

func (a *scriptedAdaptor) GetModels(context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	return &model.ModelsResponse{Object: "list"}, nil
}

func (a *scriptedAdaptor) GetCapabilities() store.Capabilities { return store.Capabilities{} }

func (a *scriptedAdaptor) VerifyAuthentication(context.Context) *model.ErrorWithStatusCode { return nil }

func (a *scriptedAdaptor) callCount() int32 { return atomic.LoadInt32(&a.calls) }

// registerScripted registers adaptor under a fresh, never-reused provider
// type so each test case gets an isolated registry slot.
var nextProviderType int32 = 9100

func registerScripted(a *scriptedAdaptor) store.ProviderType {
	pt := store.ProviderType(atomic.AddInt32(&nextProviderType, 1))
	adaptor.Register(pt, func() adaptor.Adaptor { return a })
	return pt
}

func chatMapping(id, providerID int64, caps store.Capabilities) *store.ModelMapping {
	return &store.ModelMapping{
		Id: id, Alias: "gpt-test", ProviderID: providerID, NativeModelID: "native",
		Capabilities: caps, Status: store.StatusEnabled, Weight: 1,
	}
}

func TestChatCompletionFallsBackAcrossCandidatesOnRetryableError(t *testing.T) {
	cfg := newFakeCfg()

	failing := &scriptedAdaptor{chatErr: model.NewError(model.KindUpstream, "boom")}
	succeeding := &scriptedAdaptor{chatResp: &model.ChatResponse{
		Id: "ok", Model: "gpt-test",
		Choices: []model.ChatCompletionChoice{{Message: model.Message{Role: "assistant", Content: "hi"}}},
		Usage:   &model.Usage{PromptTokens: 1, CompletionTokens: 1},
	}}

	pt1 := registerScripted(failing)
	pt2 := registerScripted(succeeding)
	cfg.addProvider(1, pt1)
	cfg.addProvider(2, pt2)
	cfg.addMapping("gpt-test", chatMapping(1, 1, store.Capabilities{Chat: true}))
	cfg.addMapping("gpt-test", chatMapping(2, 2, store.Capabilities{Chat: true}))

	rt := router.New(cfg)
	fl := billing.NewFlusher(newFakeBalanceStore())
	d := dispatcher.New(cfg, rt, fl)

	resp, err := d.ChatCompletion(context.Background(), "group-1", "req-1", &model.ChatRequest{
		Model: "gpt-test", Messages: []model.Message{{Role: "user", Content: "hello"}},
	})
	require.Nil(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "ok", resp.Id)
	assert.EqualValues(t, 1, failing.callCount())
	assert.EqualValues(t, 1, succeeding.callCount())
}

func TestChatCompletionCancelledShortCircuitsWithoutFallback(t *testing.T) {
	cfg := newFakeCfg()

	cancelled := &scriptedAdaptor{chatErr: model.NewError(model.KindCancelled, "client went away")}
	neverCalled := &scriptedAdaptor{chatResp: &model.ChatResponse{Id: "should-not-be-used"}}

	pt1 := registerScripted(cancelled)
	pt2 := registerScripted(neverCalled)
	cfg.addProvider(1, pt1)
	cfg.addProvider(2, pt2)
	cfg.addMapping("gpt-test", chatMapping(1, 1, store.Capabilities{Chat: true}))
	cfg.addMapping("gpt-test", chatMapping(2, 2, store.Capabilities{Chat: true}))

	rt := router.New(cfg)
	fl := billing.NewFlusher(newFakeBalanceStore())
	d := dispatcher.New(cfg, rt, fl)

	resp, err := d.ChatCompletion(context.Background(), "group-1", "req-1", &model.ChatRequest{
		Model: "gpt-test", Messages: []model.Message{{Role: "user", Content: "hello"}},
	})
	assert.Nil(t, resp)
	require.NotNil(t, err)
	assert.Equal(t, model.KindCancelled, err.Kind)
	assert.EqualValues(t, 0, neverCalled.callCount(), "a cancelled error must not trigger fallback to the next candidate")
}

func TestChatCompletionValidationErrorNeverResolvesRouter(t *testing.T) {
	cfg := newFakeCfg()
	rt := router.New(cfg)
	fl := billing.NewFlusher(newFakeBalanceStore())
	d := dispatcher.New(cfg, rt, fl)

	_, err := d.ChatCompletion(context.Background(), "group-1", "req-1", &model.ChatRequest{Model: ""})
	require.NotNil(t, err)
	assert.Equal(t, model.KindValidation, err.Kind)
}

func TestStreamChatCompletionBillsUsageFromFinalChunk(t *testing.T) {
	cfg := newFakeCfg()

	streaming := &scriptedAdaptor{chunks: []*model.ChatCompletionChunk{
		{Choices: []model.ChatCompletionChunkChoice{{Delta: model.Message{Role: "assistant", Content: "hi"}}}},
		{Usage: &model.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}},
	}}
	pt := registerScripted(streaming)
	cfg.addProvider(1, pt)
	cfg.addMapping("gpt-test", chatMapping(1, 1, store.Capabilities{Chat: true, Streaming: true}))

	rt := router.New(cfg)
	bal := newFakeBalanceStore()
	fl := billing.NewFlusher(bal)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go fl.Run(ctx)

	d := dispatcher.New(cfg, rt, fl)
	ch, err := d.StreamChatCompletion(context.Background(), "group-1", "req-1", &model.ChatRequest{
		Model: "gpt-test", Messages: []model.Message{{Role: "user", Content: "hello"}}, Stream: true,
	})
	require.Nil(t, err)

	var received int
	for range ch {
		received++
	}
	assert.Equal(t, 2, received)

	require.Eventually(t, func() bool {
		fl.Flush()
		b, balErr := bal.Balance(context.Background(), "group-1")
		require.NoError(t, balErr)
		return b.Equal(decimal.NewFromFloat(-2))
	}, time.Second, 5*time.Millisecond, "final chunk's usage should eventually be billed")
}

func TestChatCompletionRejectsTrailingAssistantTurnForCohere(t *testing.T) {
	cfg := newFakeCfg()
	neverCalled := &scriptedAdaptor{chatResp: &model.ChatResponse{Id: "should-not-be-used"}}
	cfg.addProvider(1, store.ProviderCohere)
	adaptor.Register(store.ProviderCohere, func() adaptor.Adaptor { return neverCalled })
	cfg.addMapping("gpt-test", chatMapping(1, 1, store.Capabilities{Chat: true}))

	rt := router.New(cfg)
	fl := billing.NewFlusher(newFakeBalanceStore())
	d := dispatcher.New(cfg, rt, fl)

	_, err := d.ChatCompletion(context.Background(), "group-1", "req-1", &model.ChatRequest{
		Model: "gpt-test",
		Messages: []model.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
		},
	})
	require.NotNil(t, err)
	assert.Equal(t, model.KindValidation, err.Kind)
	assert.EqualValues(t, 0, neverCalled.callCount(), "upstream must never be contacted when the last turn isn't a user message")
}

func TestEmbeddingResolvesDirectlyWithoutRouterFallback(t *testing.T) {
	cfg := newFakeCfg()
	rt := router.New(cfg)
	fl := billing.NewFlusher(newFakeBalanceStore())
	d := dispatcher.New(cfg, rt, fl)

	_, err := d.Embedding(context.Background(), "group-1", "req-1", &model.EmbeddingRequest{Model: "unknown-alias"})
	require.NotNil(t, err)
	assert.Equal(t, model.KindModelUnavailable, err.Kind)
}

func TestEmbeddingUnsupportedCapabilityReturnsKindUnsupported(t *testing.T) {
	cfg := newFakeCfg()
	noEmbed := &scriptedAdaptor{}
	pt := registerScripted(noEmbed)
	cfg.addProvider(1, pt)
	cfg.addMapping("gpt-test", chatMapping(1, 1, store.Capabilities{Chat: true}))

	rt := router.New(cfg)
	fl := billing.NewFlusher(newFakeBalanceStore())
	d := dispatcher.New(cfg, rt, fl)

	_, err := d.Embedding(context.Background(), "group-1", "req-1", &model.EmbeddingRequest{Model: "gpt-test"})
	require.NotNil(t, err)
	assert.Equal(t, model.KindUnsupported, err.Kind)
}
