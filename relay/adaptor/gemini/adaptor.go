// Package gemini speaks Google's Generative Language API dialect:
// contents/parts instead of messages, a query-parameter API key, role
// remapping ("assistant" -> "model") and simulated SSE via alt=sse.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/common/image"
	"github.com/songquanpeng/conduit-gateway/relay/adaptor"
	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/relay/streaming"
	"github.com/songquanpeng/conduit-gateway/store"
)

func init() {
	adaptor.Register(store.ProviderGemini, func() adaptor.Adaptor { return &Adaptor{} })
}

// Adaptor implements relay/adaptor.Adaptor for the Gemini dialect.
type Adaptor struct {
	meta *meta.Meta
}

func (a *Adaptor) Init(m *meta.Meta) { a.meta = m }

// wire types

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
}

type embedRequest struct {
	Content content `json:"content"`
}

type batchEmbedRequest struct {
	Requests []embedRequest `json:"requests"`
}

type embedding struct {
	Values []float64 `json:"values"`
}

type batchEmbedResponse struct {
	Embeddings []embedding `json:"embeddings"`
}

// toGenerateRequest translates the normalized chat request into Gemini's
// contents/parts shape, pulling system messages into SystemInstruction and
// remapping "assistant" to Gemini's "model" role.
func toGenerateRequest(ctx context.Context, req *model.ChatRequest) (*generateRequest, error) {
	out := &generateRequest{}

	for _, m := range req.Messages {
		if m.Role == "system" {
			text := m.StringContent()
			if out.SystemInstruction == nil {
				out.SystemInstruction = &content{Parts: []part{{Text: text}}}
			} else {
				out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, part{Text: text})
			}
			continue
		}

		role := m.Role
		if role == "assistant" {
			role = "model"
		} else if role == "tool" {
			role = "user"
		}

		cm := content{Role: role}
		for _, p := range m.ParseContent() {
			switch p.Type {
			case "text":
				if p.Text != "" {
					cm.Parts = append(cm.Parts, part{Text: p.Text})
				}
			case "image_url":
				inline, err := resolveInlineData(ctx, p.ImageURL.URL)
				if err != nil {
					return nil, err
				}
				cm.Parts = append(cm.Parts, part{InlineData: inline})
			}
		}
		if len(cm.Parts) > 0 {
			out.Contents = append(out.Contents, cm)
		}
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil {
		out.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		}
	}
	return out, nil
}

func resolveInlineData(ctx context.Context, rawURL string) (*inlineData, error) {
	if strings.HasPrefix(rawURL, "data:") {
		mime, data, err := image.ParseDataURL(rawURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse inline image")
		}
		return &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
	}

	maxSize := config.MaxInlineImageSizeMB * 1024 * 1024
	timeout := time.Duration(config.UserContentRequestTimeout) * time.Second
	data, mime, err := image.Download(ctx, rawURL, maxSize, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "download image")
	}
	return &inlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

func toChatResponse(resp *generateResponse, alias string) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, model.NewError(model.KindUnsupported, "prompt blocked: "+resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, model.NewError(model.KindUpstream, "gemini returned no candidates")
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	finish := mapFinishReason(resp.Candidates[0].FinishReason)

	out := &model.ChatResponse{
		Object:             "chat.completion",
		Model:              alias,
		OriginalModelAlias: alias,
		Choices:            []model.ChatCompletionChoice{{Index: 0, Message: model.Message{Role: "assistant", Content: text.String()}, FinishReason: &finish}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = &model.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		return ""
	default:
		return "stop"
	}
}

func (a *Adaptor) url(action string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s",
		strings.TrimRight(a.meta.Provider.BaseURL, "/"), a.meta.ActualModelName, action, a.meta.Credential.Secret)
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
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = adaptor.DecodeJSON(resp, &body)
	built := model.NewError(classifyStatus(resp.StatusCode), body.Error.Message)
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

	wireReq, err := toGenerateRequest(callCtx, req)
	if err != nil {
		return nil, model.NewError(model.KindValidation, err.Error())
	}
	b, _ := json.Marshal(wireReq)

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.url("generateContent"), bytes.NewReader(b))
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp)
	}

	var out generateResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	return toChatResponse(&out, a.meta.RequestedAlias)
}

// StreamChatCompletion uses alt=sse, Gemini's own simulated-streaming mode:
// each SSE frame carries a complete generateResponse covering only the new
// candidate content produced since the previous frame.
func (a *Adaptor) StreamChatCompletion(ctx context.Context, req *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	wireReq, err := toGenerateRequest(ctx, req)
	if err != nil {
		return nil, model.NewError(model.KindValidation, err.Error())
	}
	b, _ := json.Marshal(wireReq)

	streamURL := a.url("streamGenerateContent") + "&alt=sse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, streamURL, bytes.NewReader(b))
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	reader := streaming.NewSSEReader(body)
	alias := a.meta.RequestedAlias

	for {
		data, err := reader.Read()
		if err != nil {
			return
		}

		var frame generateResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			out <- adaptor.StreamChunk{Err: model.NewError(model.KindCommunication, "malformed stream frame")}
			return
		}
		if len(frame.Candidates) == 0 {
			continue
		}

		var text strings.Builder
		for _, p := range frame.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}

		var finish *string
		if reason := mapFinishReason(frame.Candidates[0].FinishReason); reason != "" {
			finish = &reason
		}

		var usage *model.Usage
		if frame.UsageMetadata != nil {
			usage = &model.Usage{
				PromptTokens:     frame.UsageMetadata.PromptTokenCount,
				CompletionTokens: frame.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      frame.UsageMetadata.TotalTokenCount,
			}
		}

		chunk := &model.ChatCompletionChunk{
			Model:              alias,
			OriginalModelAlias: alias,
			Choices: []model.ChatCompletionChunkChoice{{
				Index:        0,
				Delta:        model.Message{Role: "assistant", Content: text.String()},
				FinishReason: finish,
			}},
			Usage: usage,
		}

		select {
		case out <- adaptor.StreamChunk{Chunk: chunk}:
		case <-ctx.Done():
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

	texts := req.ParseInput()
	wireReq := batchEmbedRequest{Requests: make([]embedRequest, 0, len(texts))}
	for _, t := range texts {
		wireReq.Requests = append(wireReq.Requests, embedRequest{Content: content{Parts: []part{{Text: t}}}})
	}
	b, _ := json.Marshal(wireReq)

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.url("batchEmbedContents"), bytes.NewReader(b))
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp)
	}

	var wireResp batchEmbedResponse
	if err := adaptor.DecodeJSON(resp, &wireResp); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	out := &model.EmbeddingResponse{Object: "list", Model: a.meta.RequestedAlias}
	for i, e := range wireResp.Embeddings {
		out.Data = append(out.Data, model.EmbeddingData{Object: "embedding", Index: i, Embedding: e.Values})
	}
	return out, nil
}

func (a *Adaptor) CreateImage(ctx context.Context, req *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	return nil, model.NewError(model.KindUnsupported, "this gemini mapping does not generate images")
}

func (a *Adaptor) GetModels(ctx context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	listURL := fmt.Sprintf("%s/models?key=%s", strings.TrimRight(a.meta.Provider.BaseURL, "/"), a.meta.Credential.Secret)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
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
		out.Data = append(out.Data, model.ModelInfo{Id: strings.TrimPrefix(m.Name, "models/"), Object: "model", OwnedBy: "google"})
	}
	return out, nil
}

func (a *Adaptor) GetCapabilities() store.Capabilities {
	if a.meta == nil || a.meta.Mapping == nil {
		return store.Capabilities{}
	}
	return a.meta.Mapping.Capabilities
}

// VerifyAuthentication probes the bound credential with a GET on the
// model's own metadata URL, the cheapest Gemini call with no side effects.
func (a *Adaptor) VerifyAuthentication(ctx context.Context) *model.ErrorWithStatusCode {
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	probeURL := fmt.Sprintf("%s/models/%s?key=%s",
		strings.TrimRight(a.meta.Provider.BaseURL, "/"), a.meta.ActualModelName, a.meta.Credential.Secret)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, probeURL, nil)
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
