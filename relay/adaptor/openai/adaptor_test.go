package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/relay/relaymode"
	"github.com/songquanpeng/conduit-gateway/store"
)

func newTestAdaptor(t *testing.T, srv *httptest.Server) *Adaptor {
	t.Cleanup(srv.Close)
	m := meta.New(context.Background(), relaymode.ChatCompletions, "req-1", "group-1", "gpt-4o", false).
		WithAttempt(
			&store.Provider{Id: 1, Name: "openai", BaseURL: srv.URL},
			&store.ModelMapping{Id: 1, Alias: "gpt-4o", NativeModelID: "gpt-4o-2024", Capabilities: store.Capabilities{Chat: true, Embeddings: true, Images: true}},
			&store.ProviderKeyCredential{Secret: "sk-test"},
		)
	a := &Adaptor{}
	a.Init(m)
	return a
}

func TestCreateChatCompletionRewritesModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body model.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-2024", body.Model)
		assert.False(t, body.Stream)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.ChatResponse{
			Id:     "chatcmpl-1",
			Model:  "gpt-4o-2024",
			Choices: []model.ChatCompletionChoice{{Message: model.Message{Role: "assistant", Content: "hi"}}},
			Usage:  &model.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))

	a := newTestAdaptor(t, srv)
	resp, errResp := a.CreateChatCompletion(context.Background(), &model.ChatRequest{
		Model:    "gpt-4o",
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	})

	require.Nil(t, errResp)
	require.NotNil(t, resp)
	assert.Equal(t, "gpt-4o", resp.Model, "response model should echo the caller's requested alias, not the native id")
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestCreateChatCompletionClassifiesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))

	a := newTestAdaptor(t, srv)
	resp, errResp := a.CreateChatCompletion(context.Background(), &model.ChatRequest{
		Model:    "gpt-4o",
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	})

	require.Nil(t, resp)
	require.NotNil(t, errResp)
	assert.Equal(t, model.KindRateLimited, errResp.Kind)
	assert.True(t, errResp.Retryable)
	assert.Equal(t, "rate limited", errResp.Message)
}

func TestCreateEmbeddingRejectsWhenCapabilityMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called when the mapping lacks the embeddings capability")
	}))
	a := newTestAdaptor(t, srv)
	a.meta.Mapping.Capabilities.Embeddings = false

	resp, errResp := a.CreateEmbedding(context.Background(), &model.EmbeddingRequest{Model: "gpt-4o", Input: "hi"})
	require.Nil(t, resp)
	require.NotNil(t, errResp)
	assert.Equal(t, model.KindUnsupported, errResp.Kind)
}

func TestGetCapabilitiesReflectsBoundMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	a := newTestAdaptor(t, srv)

	caps := a.GetCapabilities()
	assert.True(t, caps.Chat)
	assert.True(t, caps.Images)
}

func TestVerifyAuthenticationSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	a := newTestAdaptor(t, srv)

	errResp := a.VerifyAuthentication(context.Background())
	require.NotNil(t, errResp)
	assert.Equal(t, model.KindAuthentication, errResp.Kind)
}
