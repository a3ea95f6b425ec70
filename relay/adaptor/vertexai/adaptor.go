// Package vertexai speaks Google Cloud's Vertex AI dialect: the Gemini-family
// request and response shapes mirror the public Gemini API, but the endpoint
// is built from a project id and region instead of a fixed host, and
// authentication is a bearer access token rather than an API key. A small
// set of grandfathered text-bison/chat-bison models use the older PaLM
// :predict dialect instead and have no streaming endpoint at all, so their
// stream is simulated as a single terminal chunk.
package vertexai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
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
	adaptor.Register(store.ProviderVertexAI, func() adaptor.Adaptor { return &Adaptor{} })
}

const defaultRegion = "us-central1"

// Adaptor implements relay/adaptor.Adaptor for Vertex AI's Gemini-family
// models. Vertex AI also fronts a legacy PaLM dialect for a small number of
// grandfathered models; text-bison and chat-bison are the only two still
// seen in the wild, so those are routed through palmPredict instead of the
// Gemini wire shape.
type Adaptor struct {
	meta *meta.Meta
}

func (a *Adaptor) Init(m *meta.Meta) { a.meta = m }

func isPaLMModel(nativeModel string) bool {
	return strings.HasPrefix(nativeModel, "text-bison") || strings.HasPrefix(nativeModel, "chat-bison")
}

func (a *Adaptor) host() string {
	region := a.meta.Provider.Region
	if region == "" {
		region = defaultRegion
	}
	if a.meta.Provider.BaseURL != "" {
		base := strings.TrimSuffix(a.meta.Provider.BaseURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com", region)
}

func (a *Adaptor) region() string {
	if a.meta.Provider.Region != "" {
		return a.meta.Provider.Region
	}
	return defaultRegion
}

func (a *Adaptor) geminiURL(action string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		a.host(), a.meta.Provider.ProjectID, a.region(), a.meta.ActualModelName, action)
}

func (a *Adaptor) palmURL(action string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		a.host(), a.meta.Provider.ProjectID, a.region(), a.meta.ActualModelName, action)
}

func (a *Adaptor) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+a.meta.Credential.Secret)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
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

// Vertex AI's Gemini-family request/response wire shape is byte-for-byte the
// same as the public Gemini API (the gemini package's unexported types), but
// Go doesn't let one package reach into another's unexported types, so the
// minimal subset this adaptor needs is redeclared here rather than widening
// the gemini package's API surface just to share seven type definitions.

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
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
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

func toGenerateRequest(req *model.ChatRequest) *generateRequest {
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
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: m.StringContent()}}})
	}
	if req.MaxTokens > 0 {
		out.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens}
	}
	return out
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

func toChatResponse(resp *generateResponse, alias string) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	if len(resp.Candidates) == 0 {
		return nil, model.NewError(model.KindUpstream, "vertex ai returned no candidates")
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

// palm dialect: the legacy text-bison/chat-bison :predict endpoint.

type palmInstance struct {
	Messages []palmMessage `json:"messages,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
}

type palmMessage struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

type palmPredictRequest struct {
	Instances []palmInstance `json:"instances"`
}

type palmCandidate struct {
	Content string `json:"content"`
	Author  string `json:"author,omitempty"`
}

type palmPrediction struct {
	Candidates []palmCandidate `json:"candidates,omitempty"`
}

type palmPredictResponse struct {
	Predictions []palmPrediction `json:"predictions"`
}

func toPalmRequest(req *model.ChatRequest, isChat bool) *palmPredictRequest {
	if !isChat {
		var b strings.Builder
		for _, m := range req.Messages {
			b.WriteString(m.StringContent())
			b.WriteString("\n")
		}
		return &palmPredictRequest{Instances: []palmInstance{{Prompt: b.String()}}}
	}
	messages := make([]palmMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		author := m.Role
		if author == "assistant" {
			author = "bot"
		}
		messages = append(messages, palmMessage{Author: author, Content: m.StringContent()})
	}
	return &palmPredictRequest{Instances: []palmInstance{{Messages: messages}}}
}

func toPalmChatResponse(resp *palmPredictResponse, alias string) *model.ChatResponse {
	text := ""
	if len(resp.Predictions) > 0 && len(resp.Predictions[0].Candidates) > 0 {
		text = resp.Predictions[0].Candidates[0].Content
	}
	finish := "stop"
	return &model.ChatResponse{
		Object:             "chat.completion",
		Model:              alias,
		OriginalModelAlias: alias,
		Choices:            []model.ChatCompletionChoice{{Index: 0, Message: model.Message{Role: "assistant", Content: text}, FinishReason: &finish}},
	}
}

func (a *Adaptor) CreateChatCompletion(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	callCtx, cancel := context.WithTimeout(ctx, config.UpstreamTimeout)
	defer cancel()

	native := a.meta.ActualModelName
	if isPaLMModel(native) {
		return a.createPalmChatCompletion(callCtx, req)
	}

	wireReq := toGenerateRequest(req)
	httpReq, err := a.newRequest(callCtx, http.MethodPost, a.geminiURL("generateContent"), wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, native, doErr)
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

func (a *Adaptor) createPalmChatCompletion(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	native := a.meta.ActualModelName
	wireReq := toPalmRequest(req, strings.HasPrefix(native, "chat-bison"))
	httpReq, err := a.newRequest(ctx, http.MethodPost, a.palmURL("predict"), wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(ctx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, native, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newUpstreamError(resp)
	}

	var out palmPredictResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	return toPalmChatResponse(&out, a.meta.RequestedAlias), nil
}

// StreamChatCompletion simulates streaming for PaLM models (no streaming
// endpoint exists for that dialect): it performs one predict call and emits
// the entire answer as a single terminal chunk. Gemini-family models use
// Vertex AI's real streamGenerateContent SSE endpoint.
func (a *Adaptor) StreamChatCompletion(ctx context.Context, req *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	if isPaLMModel(a.meta.ActualModelName) {
		return a.simulatePalmStream(ctx, req)
	}

	wireReq := toGenerateRequest(req)
	httpReq, err := a.newRequest(ctx, http.MethodPost, a.geminiURL("streamGenerateContent")+"?alt=sse", wireReq)
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

func (a *Adaptor) simulatePalmStream(ctx context.Context, req *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	resp, errResp := a.createPalmChatCompletion(ctx, req)
	out := make(chan adaptor.StreamChunk, 1)
	if errResp != nil {
		out <- adaptor.StreamChunk{Err: errResp}
		close(out)
		return out, nil
	}

	finish := "stop"
	chunk := &model.ChatCompletionChunk{
		Model:   resp.Model,
		Choices: []model.ChatCompletionChunkChoice{{Index: 0, Delta: resp.Choices[0].Message, FinishReason: &finish}},
		Usage:   resp.Usage,
	}
	out <- adaptor.StreamChunk{Chunk: chunk}
	close(out)
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
			Choices:            []model.ChatCompletionChunkChoice{{Index: 0, Delta: model.Message{Role: "assistant", Content: text.String()}, FinishReason: finish}},
			Usage:              usage,
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
	type instance struct {
		Content string `json:"content"`
	}
	wireReq := struct {
		Instances []instance `json:"instances"`
	}{}
	for _, t := range texts {
		wireReq.Instances = append(wireReq.Instances, instance{Content: t})
	}

	httpReq, err := a.newRequest(callCtx, http.MethodPost, a.geminiURL("predict"), wireReq)
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
		Predictions []struct {
			Embeddings struct {
				Values []float64 `json:"values"`
			} `json:"embeddings"`
		} `json:"predictions"`
	}
	if err := adaptor.DecodeJSON(resp, &wireResp); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	out := &model.EmbeddingResponse{Object: "list", Model: a.meta.RequestedAlias}
	for i, p := range wireResp.Predictions {
		out.Data = append(out.Data, model.EmbeddingData{Object: "embedding", Index: i, Embedding: p.Embeddings.Values})
	}
	return out, nil
}

func (a *Adaptor) CreateImage(ctx context.Context, req *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	if !a.meta.Mapping.Capabilities.Images {
		return nil, model.NewError(model.KindUnsupported, "image generation is not supported by this mapping")
	}

	callCtx, cancel := context.WithTimeout(ctx, config.UpstreamTimeout)
	defer cancel()

	type parameters struct {
		SampleCount int `json:"sampleCount"`
	}
	wireReq := struct {
		Instances  []map[string]string `json:"instances"`
		Parameters parameters           `json:"parameters"`
	}{
		Instances:  []map[string]string{{"prompt": req.Prompt}},
		Parameters: parameters{SampleCount: max(1, req.N)},
	}

	httpReq, err := a.newRequest(callCtx, http.MethodPost, a.geminiURL("predict"), wireReq)
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
		Predictions []struct {
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
		} `json:"predictions"`
	}
	if err := adaptor.DecodeJSON(resp, &wireResp); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	out := &model.ImageResponse{Created: time.Now().Unix()}
	for _, p := range wireResp.Predictions {
		out.Data = append(out.Data, model.ImageData{B64JSON: p.BytesBase64Encoded})
	}
	return out, nil
}

func (a *Adaptor) GetModels(ctx context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	out := &model.ModelsResponse{Object: "list", Data: []model.ModelInfo{
		{Id: "gemini-1.5-pro", Object: "model", OwnedBy: "google"},
		{Id: "gemini-1.5-flash", Object: "model", OwnedBy: "google"},
	}}
	return out, nil
}

func (a *Adaptor) GetCapabilities() store.Capabilities {
	if a.meta == nil || a.meta.Mapping == nil {
		return store.Capabilities{}
	}
	return a.meta.Mapping.Capabilities
}

// VerifyAuthentication probes the bound access token against the model's
// generateContent endpoint with a single near-empty message, since Vertex AI
// has no lighter-weight authenticated endpoint that doesn't touch billing.
func (a *Adaptor) VerifyAuthentication(ctx context.Context) *model.ErrorWithStatusCode {
	if isPaLMModel(a.meta.ActualModelName) {
		_, errResp := a.createPalmChatCompletion(ctx, &model.ChatRequest{Messages: []model.Message{{Role: "user", Content: "ping"}}})
		return errResp
	}

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	wireReq := toGenerateRequest(&model.ChatRequest{Messages: []model.Message{{Role: "user", Content: "ping"}}})
	httpReq, err := a.newRequest(callCtx, http.MethodPost, a.geminiURL("generateContent"), wireReq)
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
