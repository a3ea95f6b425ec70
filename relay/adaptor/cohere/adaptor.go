// Package cohere speaks Cohere's /v1/chat dialect: a chat_history array
// instead of a messages array, a separate top-level message for the latest
// turn, and newline-delimited JSON event streaming instead of SSE.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/relay/adaptor"
	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/relay/streaming"
	"github.com/songquanpeng/conduit-gateway/store"
)

func init() {
	adaptor.Register(store.ProviderCohere, func() adaptor.Adaptor { return &Adaptor{} })
}

// Adaptor implements relay/adaptor.Adaptor for the Cohere dialect.
type Adaptor struct {
	meta *meta.Meta
}

func (a *Adaptor) Init(m *meta.Meta) { a.meta = m }

func (a *Adaptor) url(path string) string {
	return strings.TrimRight(a.meta.Provider.BaseURL, "/") + path
}

func (a *Adaptor) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.url(path), reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+a.meta.Credential.Secret)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// wire types

type chatHistoryEntry struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type chatRequest struct {
	Model       string             `json:"model"`
	Message     string             `json:"message"`
	ChatHistory []chatHistoryEntry `json:"chat_history,omitempty"`
	Preamble    string             `json:"preamble,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	P           *float64           `json:"p,omitempty"`
	Stream      bool               `json:"stream"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type billedUnits struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responseMeta struct {
	BilledUnits billedUnits `json:"billed_units"`
	Tokens      usage       `json:"tokens"`
}

type chatResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Meta         responseMeta  `json:"meta"`
}

type streamEvent struct {
	EventType    string `json:"event_type"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Response     *chatResponse `json:"response,omitempty"`
}

// toChatRequest maps the normalized request onto Cohere's chat_history shape:
// every message but the last becomes a history entry, the last becomes the
// top-level message, and leading system messages are concatenated into the
// preamble since Cohere has no per-turn system role.
func toChatRequest(req *model.ChatRequest, nativeModel string) *chatRequest {
	out := &chatRequest{Model: nativeModel, MaxTokens: req.MaxTokens, Temperature: req.Temperature, P: req.TopP}

	var preamble strings.Builder
	var turns []model.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			if preamble.Len() > 0 {
				preamble.WriteString("\n\n")
			}
			preamble.WriteString(m.StringContent())
			continue
		}
		turns = append(turns, m)
	}
	out.Preamble = preamble.String()

	if len(turns) == 0 {
		return out
	}
	last := turns[len(turns)-1]
	out.Message = last.StringContent()

	for _, m := range turns[:len(turns)-1] {
		role := "USER"
		if m.Role == "assistant" {
			role = "CHATBOT"
		}
		out.ChatHistory = append(out.ChatHistory, chatHistoryEntry{Role: role, Message: m.StringContent()})
	}
	return out
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "COMPLETE", "":
		return "stop"
	default:
		return "stop"
	}
}

func toChatResponse(resp *chatResponse, alias string) *model.ChatResponse {
	finish := mapFinishReason(resp.FinishReason)
	return &model.ChatResponse{
		Object:             "chat.completion",
		Model:              alias,
		OriginalModelAlias: alias,
		Choices:            []model.ChatCompletionChoice{{Index: 0, Message: model.Message{Role: "assistant", Content: resp.Text}, FinishReason: &finish}},
		Usage: &model.Usage{
			PromptTokens:     resp.Meta.BilledUnits.InputTokens,
			CompletionTokens: resp.Meta.BilledUnits.OutputTokens,
			TotalTokens:      resp.Meta.BilledUnits.InputTokens + resp.Meta.BilledUnits.OutputTokens,
		},
	}
}

func classifyStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.KindAuthentication
	case status == http.StatusTooManyRequests:
		return model.KindRateLimited
	case status == http.StatusBadRequest:
		return model.KindValidation
	case status == http.StatusNotFound:
		return model.KindModelUnavailable
	case status >= 500:
		return model.KindUpstream
	default:
		return model.KindCommunication
	}
}

func newUpstreamError(resp *http.Response) *model.ErrorWithStatusCode {
	var body struct {
		Message string `json:"message"`
	}
	_ = adaptor.DecodeJSON(resp, &body)
	built := model.NewError(classifyStatus(resp.StatusCode), body.Message)
	built.StatusCode = resp.StatusCode
	return built
}

func classifyDoErr(err error) *model.ErrorWithStatusCode {
	if errors.Is(err, context.Canceled) {
		return model.NewError(model.KindCancelled, "request cancelled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindTimeout, "upstream request timed out")
	}
	return model.NewError(model.KindCommunication, err.Error())
}

func (a *Adaptor) CreateChatCompletion(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	callCtx, cancel := context.WithTimeout(ctx, config.UpstreamTimeout)
	defer cancel()

	wireReq := toChatRequest(req, a.meta.ActualModelName)
	wireReq.Stream = false

	httpReq, err := a.newRequest(callCtx, http.MethodPost, "/v1/chat", wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp)
	}

	var out chatResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	return toChatResponse(&out, a.meta.RequestedAlias), nil
}

func (a *Adaptor) StreamChatCompletion(ctx context.Context, req *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	wireReq := toChatRequest(req, a.meta.ActualModelName)
	wireReq.Stream = true

	httpReq, err := a.newRequest(ctx, http.MethodPost, "/v1/chat", wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(ctx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp)
	}

	out := make(chan adaptor.StreamChunk)
	go a.pumpStream(ctx, resp.Body, out)
	return out, nil
}

func (a *Adaptor) pumpStream(ctx context.Context, body io.ReadCloser, out chan<- adaptor.StreamChunk) {
	defer close(out)
	defer body.Close()

	reader := streaming.NewNDJSONReader(body)
	alias := a.meta.RequestedAlias

	for {
		line, err := reader.Read()
		if err != nil {
			return
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			out <- adaptor.StreamChunk{Err: model.NewError(model.KindCommunication, "malformed stream frame")}
			return
		}

		switch event.EventType {
		case "text-generation":
			chunk := &model.ChatCompletionChunk{
				Model:              alias,
				OriginalModelAlias: alias,
				Choices:            []model.ChatCompletionChunkChoice{{Index: 0, Delta: model.Message{Role: "assistant", Content: event.Text}}},
			}
			select {
			case out <- adaptor.StreamChunk{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		case "stream-end":
			finish := mapFinishReason(event.FinishReason)
			chunk := &model.ChatCompletionChunk{
				Model:              alias,
				OriginalModelAlias: alias,
				Choices:            []model.ChatCompletionChunkChoice{{Index: 0, Delta: model.Message{Role: "assistant"}, FinishReason: &finish}},
			}
			if event.Response != nil {
				chunk.Usage = &model.Usage{
					PromptTokens:     event.Response.Meta.BilledUnits.InputTokens,
					CompletionTokens: event.Response.Meta.BilledUnits.OutputTokens,
					TotalTokens:      event.Response.Meta.BilledUnits.InputTokens + event.Response.Meta.BilledUnits.OutputTokens,
				}
			}
			select {
			case out <- adaptor.StreamChunk{Chunk: chunk}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (a *Adaptor) CreateEmbedding(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, *model.ErrorWithStatusCode) {
	if !a.meta.Mapping.Capabilities.Embeddings {
		return nil, model.NewError(model.KindUnsupported, "embeddings are not supported by this mapping")
	}

	callCtx, cancel := context.WithTimeout(ctx, config.UpstreamTimeout)
	defer cancel()

	wireReq := struct {
		Model     string   `json:"model"`
		Texts     []string `json:"texts"`
		InputType string   `json:"input_type"`
	}{Model: a.meta.ActualModelName, Texts: req.ParseInput(), InputType: "search_document"}

	httpReq, err := a.newRequest(callCtx, http.MethodPost, "/v1/embed", wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp)
	}

	var wireResp struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := adaptor.DecodeJSON(resp, &wireResp); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	out := &model.EmbeddingResponse{Object: "list", Model: a.meta.RequestedAlias}
	for i, e := range wireResp.Embeddings {
		out.Data = append(out.Data, model.EmbeddingData{Object: "embedding", Index: i, Embedding: e})
	}
	return out, nil
}

func (a *Adaptor) CreateImage(ctx context.Context, req *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	return nil, model.NewError(model.KindUnsupported, "cohere does not offer an image generation endpoint")
}

func (a *Adaptor) GetModels(ctx context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	httpReq, err := a.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(ctx, httpReq)
	if doErr != nil {
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp)
	}

	var wire struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := adaptor.DecodeJSON(resp, &wire); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	out := &model.ModelsResponse{Object: "list"}
	for _, m := range wire.Models {
		out.Data = append(out.Data, model.ModelInfo{Id: m.Name, Object: "model", OwnedBy: "cohere"})
	}
	return out, nil
}

func (a *Adaptor) GetCapabilities() store.Capabilities {
	if a.meta == nil || a.meta.Mapping == nil {
		return store.Capabilities{}
	}
	return a.meta.Mapping.Capabilities
}

// VerifyAuthentication probes the bound credential with a GET /v1/models
// call, the cheapest Cohere endpoint with no side effects.
func (a *Adaptor) VerifyAuthentication(ctx context.Context) *model.ErrorWithStatusCode {
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := a.newRequest(callCtx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		return classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return newUpstreamError(resp)
	}
	return nil
}
