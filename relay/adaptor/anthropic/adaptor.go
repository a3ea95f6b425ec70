// Package anthropic speaks the Anthropic Messages API dialect: a
// single-system-field request, content-block arrays instead of plain
// strings, x-api-key authentication and its own SSE event vocabulary.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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

const apiVersion = "2023-06-01"

func init() {
	adaptor.Register(store.ProviderAnthropic, func() adaptor.Adaptor { return &Adaptor{} })
}

// Adaptor implements relay/adaptor.Adaptor for the Anthropic dialect.
type Adaptor struct {
	meta *meta.Meta
}

func (a *Adaptor) Init(m *meta.Meta) { a.meta = m }

// wire types

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
	Id        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseId string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type chatRequest struct {
	Model         string    `json:"model"`
	Messages      []message `json:"messages"`
	System        string    `json:"system,omitempty"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
	Tools         []tool    `json:"tools,omitempty"`
}

type usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type chatResponse struct {
	Id           string         `json:"id"`
	Role         string         `json:"role"`
	Content      []contentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        *usage         `json:"usage,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Delta        *streamDelta  `json:"delta,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Message      *chatResponse `json:"message,omitempty"`
	Usage        *usage        `json:"usage,omitempty"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertMessages extracts the leading system messages into the request's
// separate System field (Anthropic never carries system in the messages
// array) and translates every remaining message into a content-block array,
// inlining image_url parts as base64 sources.
func convertMessages(ctx context.Context, messages []model.Message) (string, []message, error) {
	var system strings.Builder
	var out []message

	for _, m := range messages {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.StringContent())
			continue
		}

		if m.Role == "tool" {
			out = append(out, message{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseId: m.ToolCallId,
					Content:   m.StringContent(),
				}},
			})
			continue
		}

		cm := message{Role: m.Role}
		for _, part := range m.ParseContent() {
			switch part.Type {
			case "text":
				if part.Text != "" {
					cm.Content = append(cm.Content, contentBlock{Type: "text", Text: part.Text})
				}
			case "image_url":
				src, err := resolveImageSource(ctx, part.ImageURL.URL)
				if err != nil {
					return "", nil, err
				}
				cm.Content = append(cm.Content, contentBlock{Type: "image", Source: src})
			}
		}
		for _, tc := range m.ToolCalls {
			if tc.Function == nil {
				continue
			}
			var args json.RawMessage
			if s, ok := tc.Function.Arguments.(string); ok {
				args = json.RawMessage(s)
			} else if tc.Function.Arguments != nil {
				args, _ = json.Marshal(tc.Function.Arguments)
			}
			cm.Content = append(cm.Content, contentBlock{
				Type:  "tool_use",
				Id:    tc.Id,
				Name:  tc.Function.Name,
				Input: args,
			})
		}
		if len(cm.Content) > 0 {
			out = append(out, cm)
		}
	}

	return system.String(), out, nil
}

// resolveImageSource turns a data: URL or remote http(s) URL into an
// Anthropic base64 image source, downloading and sniffing the MIME type for
// remote URLs since Anthropic requires an explicit media_type.
func resolveImageSource(ctx context.Context, rawURL string) (*imageSource, error) {
	if strings.HasPrefix(rawURL, "data:") {
		mime, data, err := image.ParseDataURL(rawURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse inline image")
		}
		return &imageSource{Type: "base64", MediaType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
	}

	maxSize := config.MaxInlineImageSizeMB * 1024 * 1024
	timeout := time.Duration(config.UserContentRequestTimeout) * time.Second
	data, mime, err := image.Download(ctx, rawURL, maxSize, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "download image")
	}
	return &imageSource{Type: "base64", MediaType: mime, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

func convertTools(tools []model.Tool) []tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		out = append(out, tool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters})
	}
	return out
}

func toChatResponse(resp *chatResponse, alias string) *model.ChatResponse {
	msg := model.Message{Role: "assistant"}
	var text strings.Builder
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
		case "tool_use":
			idx := 0
			msg.ToolCalls = append(msg.ToolCalls, model.Tool{
				Id:   c.Id,
				Type: "function",
				Function: &model.Function{
					Name:      c.Name,
					Arguments: string(c.Input),
				},
				Index: &idx,
			})
		}
	}
	msg.Content = text.String()

	finish := mapStopReason(resp.StopReason)
	out := &model.ChatResponse{
		Id:                 resp.Id,
		Object:             "chat.completion",
		Model:              alias,
		OriginalModelAlias: alias,
		Choices:            []model.ChatCompletionChoice{{Index: 0, Message: msg, FinishReason: &finish}},
	}
	if resp.Usage != nil {
		out.Usage = &model.Usage{
			PromptTokens:       resp.Usage.InputTokens,
			CompletionTokens:   resp.Usage.OutputTokens,
			TotalTokens:        resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CacheWrite5mTokens: resp.Usage.CacheCreationInputTokens,
		}
	}
	return out
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func (a *Adaptor) url(path string) string {
	return strings.TrimRight(a.meta.Provider.BaseURL, "/") + path
}

func (a *Adaptor) newRequest(ctx context.Context, body *chatRequest) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url("/v1/messages"), bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("x-api-key", a.meta.Credential.Secret)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (a *Adaptor) buildRequest(ctx context.Context, req *model.ChatRequest, stream bool) (*chatRequest, *model.ErrorWithStatusCode) {
	system, messages, err := convertMessages(ctx, req.Messages)
	if err != nil {
		return nil, model.NewError(model.KindValidation, err.Error())
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &chatRequest{
		Model:       a.meta.ActualModelName,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
		Tools:       convertTools(req.Tools),
	}, nil
}

func classifyStatus(status int, errType string) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.KindAuthentication
	case http.StatusTooManyRequests:
		return model.KindRateLimited
	case http.StatusBadRequest:
		if errType == "invalid_request_error" {
			return model.KindValidation
		}
		return model.KindUpstream
	case 529:
		return model.KindUpstream
	default:
		if status >= 500 {
			return model.KindUpstream
		}
		return model.KindCommunication
	}
}

func (a *Adaptor) newUpstreamError(resp *http.Response) *model.ErrorWithStatusCode {
	var body errorBody
	_ = adaptor.DecodeJSON(resp, &body)
	kind := classifyStatus(resp.StatusCode, body.Error.Type)
	built := model.NewError(kind, body.Error.Message)
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

	wireReq, buildErr := a.buildRequest(callCtx, req, false)
	if buildErr != nil {
		return nil, buildErr
	}

	httpReq, err := a.newRequest(callCtx, wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.newUpstreamError(resp)
	}

	var out chatResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	return toChatResponse(&out, a.meta.RequestedAlias), nil
}

func (a *Adaptor) StreamChatCompletion(ctx context.Context, req *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	wireReq, buildErr := a.buildRequest(ctx, req, true)
	if buildErr != nil {
		return nil, buildErr
	}

	httpReq, err := a.newRequest(ctx, wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, doErr := adaptor.Do(ctx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.newUpstreamError(resp)
	}

	out := make(chan adaptor.StreamChunk)
	go a.pumpStream(ctx, resp, out)
	return out, nil
}

func (a *Adaptor) pumpStream(ctx context.Context, resp *http.Response, out chan<- adaptor.StreamChunk) {
	defer close(out)
	defer resp.Body.Close()

	reader := streaming.NewSSEReader(resp.Body)
	var id, alias, stopReason string
	alias = a.meta.RequestedAlias
	toolIndex := map[int]bool{}

	emit := func(delta model.Message, finish *string, u *model.Usage) bool {
		chunk := &model.ChatCompletionChunk{
			Id:                 id,
			Model:              alias,
			OriginalModelAlias: alias,
			Choices: []model.ChatCompletionChunkChoice{{
				Index:        0,
				Delta:        delta,
				FinishReason: finish,
			}},
			Usage: u,
		}
		select {
		case out <- adaptor.StreamChunk{Chunk: chunk}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		data, readErr := reader.Read()
		if readErr != nil {
			return
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			out <- adaptor.StreamChunk{Err: model.NewError(model.KindCommunication, "malformed stream frame")}
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				id = event.Message.Id
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolIndex[event.Index] = true
				idx := event.Index
				if !emit(model.Message{Role: "assistant", ToolCalls: []model.Tool{{
					Id: event.ContentBlock.Id, Type: "function", Index: &idx,
					Function: &model.Function{Name: event.ContentBlock.Name},
				}}}, nil, nil) {
					return
				}
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			idx := event.Index
			var delta model.Message
			if event.Delta.Type == "text_delta" {
				delta = model.Message{Role: "assistant", Content: event.Delta.Text}
			} else if event.Delta.Type == "input_json_delta" {
				delta = model.Message{Role: "assistant", ToolCalls: []model.Tool{{
					Index:    &idx,
					Function: &model.Function{Arguments: event.Delta.PartialJSON},
				}}}
			} else {
				continue
			}
			if !emit(delta, nil, nil) {
				return
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
		case "message_stop":
			var u *model.Usage
			if event.Usage != nil {
				u = &model.Usage{
					PromptTokens:       event.Usage.InputTokens,
					CompletionTokens:   event.Usage.OutputTokens,
					TotalTokens:        event.Usage.InputTokens + event.Usage.OutputTokens,
					CacheWrite5mTokens: event.Usage.CacheCreationInputTokens,
				}
			}
			finish := mapStopReason(stopReason)
			emit(model.Message{Role: "assistant"}, &finish, u)
			return
		}
	}
}

func (a *Adaptor) CreateEmbedding(ctx context.Context, req *model.EmbeddingRequest) (*model.EmbeddingResponse, *model.ErrorWithStatusCode) {
	return nil, model.NewError(model.KindUnsupported, "anthropic does not offer an embeddings endpoint")
}

func (a *Adaptor) CreateImage(ctx context.Context, req *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	return nil, model.NewError(model.KindUnsupported, "anthropic does not offer an image generation endpoint")
}

func (a *Adaptor) GetModels(ctx context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("/v1/models"), nil)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	httpReq.Header.Set("x-api-key", a.meta.Credential.Secret)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, doErr := adaptor.Do(ctx, httpReq)
	if doErr != nil {
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.newUpstreamError(resp)
	}

	var wire struct {
		Data []struct {
			Id string `json:"id"`
		} `json:"data"`
	}
	if err := adaptor.DecodeJSON(resp, &wire); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	out := &model.ModelsResponse{Object: "list"}
	for _, m := range wire.Data {
		out.Data = append(out.Data, model.ModelInfo{Id: m.Id, Object: "model", OwnedBy: "anthropic"})
	}
	return out, nil
}

func (a *Adaptor) GetCapabilities() store.Capabilities {
	if a.meta == nil || a.meta.Mapping == nil {
		return store.Capabilities{}
	}
	return a.meta.Mapping.Capabilities
}

// VerifyAuthentication sends a one-token completion request: Anthropic has
// no lightweight auth-only endpoint, so the cheapest real probe is the
// smallest possible message.
func (a *Adaptor) VerifyAuthentication(ctx context.Context) *model.ErrorWithStatusCode {
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	wireReq := &chatRequest{
		Model:     a.meta.ActualModelName,
		Messages:  []message{{Role: "user", Content: []contentBlock{{Type: "text", Text: "ping"}}}},
		MaxTokens: 1,
	}
	httpReq, err := a.newRequest(callCtx, wireReq)
	if err != nil {
		return model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		return classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		return a.newUpstreamError(resp)
	}
	return nil
}
