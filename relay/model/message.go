package model

import "encoding/json"

// Message is one entry of a chat request's message array. Content may be a plain
// string or an array of content parts (text/image_url), mirroring the OpenAI wire shape.
type Message struct {
	Role       string `json:"role"`
	Content    any    `json:"content,omitempty"`
	Name       string `json:"name,omitempty"`
	ToolCalls  []Tool `json:"tool_calls,omitempty"`
	ToolCallId string `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multi-part message content array.
type ContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *MessageImageURL `json:"image_url,omitempty"`
}

// MessageImageURL is the image_url content-part payload; Detail controls the
// vision token-cost tier ("low", "high", or "auto").
type MessageImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// StringContent returns Content as a string, or "" if it is a content-part array.
func (m *Message) StringContent() string {
	s, ok := m.Content.(string)
	if ok {
		return s
	}
	return ""
}

// ParseContent normalizes Content into a slice of ContentPart regardless of
// whether the wire payload carried a plain string or a content-part array.
func (m *Message) ParseContent() []ContentPart {
	if s, ok := m.Content.(string); ok {
		if s == "" {
			return nil
		}
		return []ContentPart{{Type: "text", Text: s}}
	}

	raw, ok := m.Content.([]any)
	if !ok {
		return nil
	}

	parts := make([]ContentPart, 0, len(raw))
	for _, item := range raw {
		b, err := json.Marshal(item)
		if err != nil {
			continue
		}
		var part ContentPart
		if err := json.Unmarshal(b, &part); err != nil {
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

// ResponseFormat requests structured output from a chat completion.
type ResponseFormat struct {
	Type       string      `json:"type,omitempty"`
	JsonSchema *JsonSchema `json:"json_schema,omitempty"`
}

// JsonSchema is the schema payload for ResponseFormat.Type == "json_schema".
type JsonSchema struct {
	Name   string `json:"name"`
	Strict bool   `json:"strict,omitempty"`
	Schema any    `json:"schema,omitempty"`
}

// ChatRequest is the normalized OpenAI-compatible POST /v1/chat/completions body.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	N              int             `json:"n,omitempty"`
	Stop           any             `json:"stop,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     any             `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// ChatCompletionChoice is one element of ChatResponse.Choices.
type ChatCompletionChoice struct {
	Index        int      `json:"index"`
	Message      Message  `json:"message"`
	FinishReason *string  `json:"finish_reason"`
}

// ChatResponse is the normalized OpenAI-compatible chat completion response.
// OriginalModelAlias always carries the alias the caller requested, even
// when Model has been rewritten to a router expression's resolved name.
type ChatResponse struct {
	Id                  string                 `json:"id"`
	Object              string                 `json:"object"`
	Created             int64                  `json:"created"`
	Model               string                 `json:"model"`
	Choices             []ChatCompletionChoice `json:"choices"`
	Usage               *Usage                 `json:"usage,omitempty"`
	OriginalModelAlias  string                 `json:"original_model_alias"`
}

// ChatCompletionChunkChoice is one element of ChatCompletionChunk.Choices.
type ChatCompletionChunkChoice struct {
	Index        int      `json:"index"`
	Delta        Message  `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame of a streamed chat completion.
type ChatCompletionChunk struct {
	Id                 string                      `json:"id"`
	Object             string                      `json:"object"`
	Created            int64                       `json:"created"`
	Model              string                      `json:"model"`
	Choices            []ChatCompletionChunkChoice `json:"choices"`
	Usage              *Usage                      `json:"usage,omitempty"`
	OriginalModelAlias string                      `json:"original_model_alias"`
}

// EmbeddingRequest is the normalized POST /v1/embeddings body. Input may be a
// string or an array of strings; ParseInput normalizes either shape.
type EmbeddingRequest struct {
	Model          string `json:"model"`
	Input          any    `json:"input"`
	EncodingFormat string `json:"encoding_format,omitempty"`
	User           string `json:"user,omitempty"`
}

// ParseInput normalizes Input into a slice of strings regardless of wire shape.
func (r *EmbeddingRequest) ParseInput() []string {
	switch v := r.Input.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

// EmbeddingData is one element of EmbeddingResponse.Data.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse is the normalized POST /v1/embeddings response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// ImageRequest is the normalized POST /v1/images/generations body.
type ImageRequest struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	N              int     `json:"n,omitempty"`
	Size           string  `json:"size,omitempty"`
	Quality        string  `json:"quality,omitempty"`
	Style          string  `json:"style,omitempty"`
	ResponseFormat *string `json:"response_format,omitempty"`
	User           string  `json:"user,omitempty"`
}

// ImageData is one element of ImageResponse.Data.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageResponse is the normalized POST /v1/images/generations response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ModelInfo is one element of GET /v1/models' ModelsResponse.Data.
type ModelInfo struct {
	Id      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the normalized GET /v1/models response.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
