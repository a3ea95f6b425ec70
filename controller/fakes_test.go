package controller_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/songquanpeng/conduit-gateway/relay/adaptor"
	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/store"
)

// hashSecretForTest mirrors middleware.hashKey (unexported) so tests can
// provision a VirtualKey under the same hash the auth middleware will compute.
func hashSecretForTest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// fakeProviderType identifies the in-process test adaptor registered by
// these tests; it never collides with a real provider type.
const fakeProviderType store.ProviderType = 9001

// fakeConfigStore is a minimal in-memory store.ConfigStore backing the
// controller tests: one provider, one mapping per alias.
type fakeConfigStore struct {
	groups    map[string]*store.VirtualKeyGroup
	keys      map[string]*store.VirtualKey
	provider  *store.Provider
	cred      *store.ProviderKeyCredential
	mappings  map[string][]*store.ModelMapping
	cost      *store.ModelCost
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{
		groups: map[string]*store.VirtualKeyGroup{},
		keys:   map[string]*store.VirtualKey{},
		provider: &store.Provider{Id: 1, Name: "faketest", Type: fakeProviderType, Status: store.StatusEnabled},
		cred:     &store.ProviderKeyCredential{Id: 1, ProviderID: 1, Secret: "secret", Status: store.StatusEnabled},
		mappings: map[string][]*store.ModelMapping{},
		cost:     &store.ModelCost{InputCostPerM: decimal.Zero, OutputCostPerM: decimal.Zero},
	}
}

func (s *fakeConfigStore) addGroup(id string, balance decimal.Decimal) *store.VirtualKeyGroup {
	g := &store.VirtualKeyGroup{Id: id, Name: id, Balance: balance, Status: store.StatusEnabled}
	s.groups[id] = g
	return g
}

func (s *fakeConfigStore) addKey(hash, groupID string) {
	s.keys[hash] = &store.VirtualKey{Id: int64(len(s.keys) + 1), GroupID: groupID, KeyHash: hash, Status: store.StatusEnabled}
}

func (s *fakeConfigStore) addMapping(alias string, caps store.Capabilities) *store.ModelMapping {
	m := &store.ModelMapping{
		Id:            int64(len(s.mappings) + 1),
		Alias:         alias,
		ProviderID:    s.provider.Id,
		NativeModelID: alias + "-native",
		Capabilities:  caps,
		Status:        store.StatusEnabled,
		Weight:        1,
	}
	s.mappings[alias] = append(s.mappings[alias], m)
	return m
}

func (s *fakeConfigStore) ResolveVirtualKey(_ context.Context, keyHash string) (*store.VirtualKey, *store.VirtualKeyGroup, error) {
	vk, ok := s.keys[keyHash]
	if !ok || vk.Status != store.StatusEnabled {
		return nil, nil, store.NewNotFoundError("virtual key")
	}
	group, ok := s.groups[vk.GroupID]
	if !ok || group.Status != store.StatusEnabled {
		return nil, nil, store.NewNotFoundError("virtual key group")
	}
	return vk, group, nil
}

func (s *fakeConfigStore) ModelMappingsForAlias(_ context.Context, alias string) ([]*store.ModelMapping, error) {
	return s.mappings[alias], nil
}

func (s *fakeConfigStore) ModelMapping(_ context.Context, id int64) (*store.ModelMapping, error) {
	for _, list := range s.mappings {
		for _, m := range list {
			if m.Id == id {
				return m, nil
			}
		}
	}
	return nil, store.NewNotFoundError("model mapping")
}

func (s *fakeConfigStore) Provider(_ context.Context, id int64) (*store.Provider, error) {
	if id == s.provider.Id {
		return s.provider, nil
	}
	return nil, store.NewNotFoundError("provider")
}

func (s *fakeConfigStore) ProviderCredential(_ context.Context, providerID int64) (*store.ProviderKeyCredential, error) {
	if providerID == s.provider.Id {
		return s.cred, nil
	}
	return nil, store.NewNotFoundError("provider credential")
}

func (s *fakeConfigStore) ModelCost(_ context.Context, _ int64, _ string) (*store.ModelCost, error) {
	return s.cost, nil
}

func (s *fakeConfigStore) AllProviders(_ context.Context) ([]*store.Provider, error) {
	return []*store.Provider{s.provider}, nil
}

func (s *fakeConfigStore) ModelMappingsForProvider(_ context.Context, providerID int64) ([]*store.ModelMapping, error) {
	if providerID != s.provider.Id {
		return nil, nil
	}
	var out []*store.ModelMapping
	for _, list := range s.mappings {
		out = append(out, list...)
	}
	return out, nil
}

// fakeBalanceStore tracks debits in memory.
type fakeBalanceStore struct {
	mu      sync.Mutex
	balance map[string]decimal.Decimal
}

func newFakeBalanceStore() *fakeBalanceStore {
	return &fakeBalanceStore{balance: map[string]decimal.Decimal{}}
}

func (b *fakeBalanceStore) Debit(_ context.Context, groupID string, amount decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance[groupID] = b.balance[groupID].Sub(amount)
	return b.balance[groupID], nil
}

func (b *fakeBalanceStore) Balance(_ context.Context, groupID string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance[groupID], nil
}

// fakeAdaptor is a scripted adaptor.Adaptor used to drive the controller
// handlers without any real upstream HTTP call.
type fakeAdaptor struct {
	meta *meta.Meta

	chatResp   *model.ChatResponse
	chatErr    *model.ErrorWithStatusCode
	streamErr  *model.ErrorWithStatusCode
	chunks     []*model.ChatCompletionChunk
	embedResp  *model.EmbeddingResponse
	embedErr   *model.ErrorWithStatusCode
	imageResp  *model.ImageResponse
	imageErr   *model.ErrorWithStatusCode
}

func (a *fakeAdaptor) Init(m *meta.Meta) { a.meta = m }

func (a *fakeAdaptor) CreateChatCompletion(_ context.Context, _ *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	return a.chatResp, a.chatErr
}

func (a *fakeAdaptor) StreamChatCompletion(_ context.Context, _ *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
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

func (a *fakeAdaptor) CreateEmbedding(_ context.Context, _ *model.EmbeddingRequest) (*model.EmbeddingResponse, *model.ErrorWithStatusCode) {
	return a.embedResp, a.embedErr
}

func (a *fakeAdaptor) CreateImage(_ context.Context, _ *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	return a.imageResp, a.imageErr
}

func (a *fakeAdaptor) GetModels(_ context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	return &model.ModelsResponse{Object: "list"}, nil
}

func (a *fakeAdaptor) GetCapabilities() store.Capabilities {
	if a.meta == nil || a.meta.Mapping == nil {
		return store.Capabilities{}
	}
	return a.meta.Mapping.Capabilities
}

func (a *fakeAdaptor) VerifyAuthentication(_ context.Context) *model.ErrorWithStatusCode { return nil }

// current is swapped per-test by the registered constructor so each test can
// script its own fakeAdaptor without a fresh provider type per case.
var current *fakeAdaptor

func init() {
	adaptor.Register(fakeProviderType, func() adaptor.Adaptor {
		if current == nil {
			current = &fakeAdaptor{}
		}
		return current
	})
}
