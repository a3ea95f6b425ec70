// Package openai speaks the OpenAI chat/embeddings/images wire dialect. The
// same Adaptor also serves Cerebras and any generic OpenAI-compatible
// provider: all three share OpenAI's request shape, response shape and SSE
// framing, differing only in base URL and credential.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/songquanpeng/conduit-gateway/common/config"
	"github.com/songquanpeng/conduit-gateway/common/logger"
	"github.com/songquanpeng/conduit-gateway/relay/adaptor"
	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/relay/streaming"
	"github.com/songquanpeng/conduit-gateway/store"
)

func init() {
	adaptor.Register(store.ProviderOpenAI, func() adaptor.Adaptor { return &Adaptor{} })
	adaptor.Register(store.ProviderCerebras, func() adaptor.Adaptor { return &Adaptor{} })
	adaptor.Register(store.ProviderOpenAICompatible, func() adaptor.Adaptor { return &Adaptor{} })
}

// Adaptor implements relay/adaptor.Adaptor for the OpenAI dialect.
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

// classifyDoErr maps a transport-level failure (as opposed to a non-2xx
// response, which NewUpstreamError already classifies) to the error taxonomy.
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

	wireReq := *req
	wireReq.Model = a.meta.ActualModelName
	wireReq.Stream = false

	httpReq, err := a.newRequest(callCtx, http.MethodPost, "/chat/completions", &wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adaptor.NewUpstreamError(resp)
	}

	var out model.ChatResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	out.Model = a.meta.RequestedAlias
	out.OriginalModelAlias = a.meta.RequestedAlias
	return &out, nil
}

func (a *Adaptor) StreamChatCompletion(ctx context.Context, req *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	wireReq := *req
	wireReq.Model = a.meta.ActualModelName
	wireReq.Stream = true

	httpReq, err := a.newRequest(ctx, http.MethodPost, "/chat/completions", &wireReq)
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
		defer resp.Body.Close()
		return nil, adaptor.NewUpstreamError(resp)
	}

	out := make(chan adaptor.StreamChunk)
	go a.pumpStream(ctx, resp.Body, out)
	return out, nil
}

// pumpStream reads SSE frames off body and forwards decoded chunks on out
// until the stream ends, ctx is cancelled, or an idle timeout elapses
// between frames. It always closes out exactly once.
func (a *Adaptor) pumpStream(ctx context.Context, body io.ReadCloser, out chan<- adaptor.StreamChunk) {
	defer close(out)
	defer body.Close()

	reader := streaming.NewSSEReader(body)
	frames := make(chan string)
	readErrs := make(chan error, 1)

	go func() {
		defer close(frames)
		for {
			data, err := reader.Read()
			if err != nil {
				if err != io.EOF {
					readErrs <- err
				}
				return
			}
			frames <- data
		}
	}()

	idle := config.UpstreamIdleStreamTimeout
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrs:
			out <- adaptor.StreamChunk{Err: model.NewError(model.KindCommunication, err.Error())}
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			var chunk model.ChatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				out <- adaptor.StreamChunk{Err: model.NewError(model.KindCommunication, "malformed stream frame")}
				return
			}
			chunk.Model = a.meta.RequestedAlias
			chunk.OriginalModelAlias = a.meta.RequestedAlias
			out <- adaptor.StreamChunk{Chunk: &chunk}
		case <-time.After(idle):
			out <- adaptor.StreamChunk{Err: model.NewError(model.KindTimeout, "upstream stream idle timeout")}
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

	wireReq := *req
	wireReq.Model = a.meta.ActualModelName

	httpReq, err := a.newRequest(callCtx, http.MethodPost, "/embeddings", &wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adaptor.NewUpstreamError(resp)
	}

	var out model.EmbeddingResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	out.Model = a.meta.RequestedAlias
	return &out, nil
}

func (a *Adaptor) CreateImage(ctx context.Context, req *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	if !a.meta.Mapping.Capabilities.Images {
		return nil, model.NewError(model.KindUnsupported, "image generation is not supported by this mapping")
	}

	callCtx, cancel := context.WithTimeout(ctx, config.UpstreamTimeout)
	defer cancel()

	wireReq := *req
	wireReq.Model = a.meta.ActualModelName

	httpReq, err := a.newRequest(callCtx, http.MethodPost, "/images/generations", &wireReq)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		adaptor.LogUpstreamFailure(a.meta.Provider.Name, a.meta.ActualModelName, doErr)
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adaptor.NewUpstreamError(resp)
	}

	var out model.ImageResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	return &out, nil
}

func (a *Adaptor) GetModels(ctx context.Context) (*model.ModelsResponse, *model.ErrorWithStatusCode) {
	httpReq, err := a.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(ctx, httpReq)
	if doErr != nil {
		return nil, classifyDoErr(doErr)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adaptor.NewUpstreamError(resp)
	}

	var out model.ModelsResponse
	if err := adaptor.DecodeJSON(resp, &out); err != nil {
		return nil, model.NewError(model.KindCommunication, err.Error())
	}
	return &out, nil
}

func (a *Adaptor) GetCapabilities() store.Capabilities {
	if a.meta == nil || a.meta.Mapping == nil {
		return store.Capabilities{}
	}
	return a.meta.Mapping.Capabilities
}

// VerifyAuthentication probes the bound credential with a GET /models call,
// the cheapest OpenAI-compatible endpoint with no side effects.
func (a *Adaptor) VerifyAuthentication(ctx context.Context) *model.ErrorWithStatusCode {
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := a.newRequest(callCtx, http.MethodGet, "/models", nil)
	if err != nil {
		return model.NewError(model.KindCommunication, err.Error())
	}

	resp, doErr := adaptor.Do(callCtx, httpReq)
	if doErr != nil {
		return classifyDoErr(doErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Logger.Warn("provider credential verification failed",
			zap.String("provider", a.meta.Provider.Name), zap.Int("status", resp.StatusCode))
		return adaptor.NewUpstreamError(resp)
	}
	return nil
}
