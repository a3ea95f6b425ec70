// Package dispatcher orchestrates one gateway request end to end: validate,
// trim to the context window, route to a provider mapping, call the
// adaptor, and bill the result.
package dispatcher

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/songquanpeng/conduit-gateway/common/logger"
	"github.com/songquanpeng/conduit-gateway/relay/adaptor"
	"github.com/songquanpeng/conduit-gateway/relay/billing"
	"github.com/songquanpeng/conduit-gateway/relay/contextwindow"
	"github.com/songquanpeng/conduit-gateway/relay/meta"
	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/relay/relaymode"
	"github.com/songquanpeng/conduit-gateway/relay/router"
	"github.com/songquanpeng/conduit-gateway/store"
)

// Dispatcher wires the Router, the Provider Adaptor layer and the Billing
// Pipeline together for every data-plane operation.
type Dispatcher struct {
	cfg     store.ConfigStore
	router  *router.Router
	flusher *billing.Flusher
}

// New builds a Dispatcher over the given control-plane store, router and
// billing flusher.
func New(cfg store.ConfigStore, rt *router.Router, fl *billing.Flusher) *Dispatcher {
	return &Dispatcher{cfg: cfg, router: rt, flusher: fl}
}

func requireChat(streaming bool) func(store.Capabilities) bool {
	return func(c store.Capabilities) bool {
		if !c.Chat {
			return false
		}
		return !streaming || c.Streaming
	}
}

func requireVision(c store.Capabilities) bool { return c.Vision }

// ChatCompletion resolves a mapping via the Router and relays a
// non-streaming chat completion, falling back across eligible mappings on a
// retryable upstream failure.
func (d *Dispatcher) ChatCompletion(ctx context.Context, groupID, requestID string, req *model.ChatRequest) (*model.ChatResponse, *model.ErrorWithStatusCode) {
	if err := validateChatRequest(req); err != nil {
		return nil, err
	}

	needVision := false
	for _, m := range req.Messages {
		for _, part := range m.ParseContent() {
			if part.Type == "image_url" {
				needVision = true
			}
		}
	}

	capFn := requireChat(false)
	if needVision {
		prior := capFn
		capFn = func(c store.Capabilities) bool { return prior(c) && requireVision(c) }
	}

	candidates, err := d.router.Resolve(ctx, req.Model, capFn)
	if err != nil {
		return nil, model.NewError(model.KindModelUnavailable, err.Error())
	}

	attempts := 1 + d.router.MaxRetries()
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr *model.ErrorWithStatusCode
	for i := 0; i < attempts; i++ {
		cand := candidates[i]

		if valErr := validateLastTurnForProvider(cand.Provider.Type, req.Messages); valErr != nil {
			return nil, valErr
		}

		budget := reservedBudget(cand.Mapping.MaxContextTokens, req.MaxTokens)
		trimmed, trimErr := contextwindow.Trim(cand.Mapping.TokenizerType, req.Messages, budget)
		if trimErr != nil {
			return nil, trimErr
		}
		attemptReq := *req
		attemptReq.Messages = trimmed

		m := meta.New(ctx, relaymode.ChatCompletions, requestID, groupID, req.Model, false).
			WithAttempt(cand.Provider, cand.Mapping, cand.Credential)

		a := adaptor.New(cand.Provider.Type)
		if a == nil {
			lastErr = model.NewError(model.KindConfiguration, "no adaptor registered for provider type")
			continue
		}
		a.Init(m)

		d.router.BeginAttempt(cand.Mapping.Id)
		resp, callErr := a.CreateChatCompletion(ctx, &attemptReq)
		d.router.EndAttempt(cand.Mapping.Id)

		if callErr == nil {
			d.router.RecordSuccess(cand.Mapping.Id)
			d.bill(ctx, groupID, requestID, cand.Provider.Id, cand.Mapping.NativeModelID, resp.Usage, 0)
			return resp, nil
		}

		lastErr = callErr
		if callErr.Kind == model.KindCancelled {
			return nil, callErr
		}
		d.router.RecordFailure(cand.Mapping.Id)
		if !router.ShouldRetry(callErr) {
			return nil, callErr
		}
	}

	return nil, lastErr
}

// StreamChatCompletion is the streaming counterpart of ChatCompletion. On a
// retryable failure before any chunk has been emitted, it falls back exactly
// as ChatCompletion does; once streaming has begun to the caller, a failure
// is surfaced as the stream's terminal error instead (switching providers
// mid-stream would double the already-sent content).
func (d *Dispatcher) StreamChatCompletion(ctx context.Context, groupID, requestID string, req *model.ChatRequest) (<-chan adaptor.StreamChunk, *model.ErrorWithStatusCode) {
	if err := validateChatRequest(req); err != nil {
		return nil, err
	}

	candidates, err := d.router.Resolve(ctx, req.Model, requireChat(true))
	if err != nil {
		return nil, model.NewError(model.KindModelUnavailable, err.Error())
	}

	attempts := 1 + d.router.MaxRetries()
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr *model.ErrorWithStatusCode
	for i := 0; i < attempts; i++ {
		cand := candidates[i]

		if valErr := validateLastTurnForProvider(cand.Provider.Type, req.Messages); valErr != nil {
			return nil, valErr
		}

		budget := reservedBudget(cand.Mapping.MaxContextTokens, req.MaxTokens)
		trimmed, trimErr := contextwindow.Trim(cand.Mapping.TokenizerType, req.Messages, budget)
		if trimErr != nil {
			return nil, trimErr
		}
		attemptReq := *req
		attemptReq.Messages = trimmed

		m := meta.New(ctx, relaymode.ChatCompletions, requestID, groupID, req.Model, true).
			WithAttempt(cand.Provider, cand.Mapping, cand.Credential)

		a := adaptor.New(cand.Provider.Type)
		if a == nil {
			lastErr = model.NewError(model.KindConfiguration, "no adaptor registered for provider type")
			continue
		}
		a.Init(m)

		d.router.BeginAttempt(cand.Mapping.Id)
		upstream, callErr := a.StreamChatCompletion(ctx, &attemptReq)
		if callErr != nil {
			d.router.EndAttempt(cand.Mapping.Id)
			lastErr = callErr
			if callErr.Kind == model.KindCancelled {
				return nil, callErr
			}
			d.router.RecordFailure(cand.Mapping.Id)
			if !router.ShouldRetry(callErr) {
				return nil, callErr
			}
			continue
		}

		d.router.RecordSuccess(cand.Mapping.Id)
		return d.billingTap(ctx, groupID, requestID, cand, upstream), nil
	}

	return nil, lastErr
}

// billingTap wraps an adaptor's stream so the final chunk's usage (if any)
// is billed once the channel closes, and so EndAttempt always runs.
func (d *Dispatcher) billingTap(ctx context.Context, groupID, requestID string, cand router.Candidate, upstream <-chan adaptor.StreamChunk) <-chan adaptor.StreamChunk {
	out := make(chan adaptor.StreamChunk)
	go func() {
		defer close(out)
		defer d.router.EndAttempt(cand.Mapping.Id)
		for item := range upstream {
			if item.Chunk != nil && item.Chunk.Usage != nil {
				d.bill(ctx, groupID, requestID, cand.Provider.Id, cand.Mapping.NativeModelID, item.Chunk.Usage, 0)
			}
			out <- item
		}
	}()
	return out
}

// Embedding resolves the alias directly (embeddings are never routed: no
// strategy selection, no fallback) and relays the call.
func (d *Dispatcher) Embedding(ctx context.Context, groupID, requestID string, req *model.EmbeddingRequest) (*model.EmbeddingResponse, *model.ErrorWithStatusCode) {
	cand, err := d.resolveDirect(ctx, req.Model, func(c store.Capabilities) bool { return c.Embeddings })
	if err != nil {
		return nil, err
	}

	m := meta.New(ctx, relaymode.Embeddings, requestID, groupID, req.Model, false).
		WithAttempt(cand.Provider, cand.Mapping, cand.Credential)
	a := adaptor.New(cand.Provider.Type)
	if a == nil {
		return nil, model.NewError(model.KindConfiguration, "no adaptor registered for provider type")
	}
	a.Init(m)

	resp, callErr := a.CreateEmbedding(ctx, req)
	if callErr != nil {
		return nil, callErr
	}
	d.bill(ctx, groupID, requestID, cand.Provider.Id, cand.Mapping.NativeModelID, resp.Usage, 0)
	return resp, nil
}

// Image resolves the alias directly (images are never routed) and relays
// the call.
func (d *Dispatcher) Image(ctx context.Context, groupID, requestID string, req *model.ImageRequest) (*model.ImageResponse, *model.ErrorWithStatusCode) {
	cand, err := d.resolveDirect(ctx, req.Model, func(c store.Capabilities) bool { return c.Images })
	if err != nil {
		return nil, err
	}

	m := meta.New(ctx, relaymode.ImagesGenerations, requestID, groupID, req.Model, false).
		WithAttempt(cand.Provider, cand.Mapping, cand.Credential)
	a := adaptor.New(cand.Provider.Type)
	if a == nil {
		return nil, model.NewError(model.KindConfiguration, "no adaptor registered for provider type")
	}
	a.Init(m)

	resp, callErr := a.CreateImage(ctx, req)
	if callErr != nil {
		return nil, callErr
	}

	n := req.N
	if n <= 0 {
		n = 1
	}
	d.bill(ctx, groupID, requestID, cand.Provider.Id, cand.Mapping.NativeModelID, nil, n)
	return resp, nil
}

func (d *Dispatcher) resolveDirect(ctx context.Context, alias string, requireCapability func(store.Capabilities) bool) (router.Candidate, *model.ErrorWithStatusCode) {
	mappings, err := d.cfg.ModelMappingsForAlias(ctx, alias)
	if err != nil || len(mappings) == 0 {
		return router.Candidate{}, model.NewError(model.KindModelUnavailable, "unknown model alias")
	}

	for _, mp := range mappings {
		if mp.Status != store.StatusEnabled || !requireCapability(mp.Capabilities) {
			continue
		}
		provider, err := d.cfg.Provider(ctx, mp.ProviderID)
		if err != nil || provider.Status != store.StatusEnabled {
			continue
		}
		cred, err := d.cfg.ProviderCredential(ctx, provider.Id)
		if err != nil {
			continue
		}
		return router.Candidate{Provider: provider, Mapping: mp, Credential: cred}, nil
	}

	return router.Candidate{}, model.NewError(model.KindUnsupported, "no mapping supports this operation for the requested model")
}

func (d *Dispatcher) bill(ctx context.Context, groupID, requestID string, providerID int64, nativeModel string, usage *model.Usage, imageCount int) {
	cost, err := d.cfg.ModelCost(ctx, providerID, nativeModel)
	if err != nil {
		logger.Logger.Warn("no pricing found for model, skipping billing",
			zap.Int64("provider_id", providerID), zap.String("model", nativeModel), zap.Error(err))
		return
	}

	var amount = billing.ComputeChatCost(cost, usage)
	if imageCount > 0 {
		amount = billing.ComputeImageCost(cost, imageCount)
	}
	if amount.IsZero() {
		return
	}
	d.flusher.Charge(groupID, amount, requestID)
}

// defaultReserveTokens is the floor reserve held back from the context
// window when the request doesn't set MaxTokens.
const defaultReserveTokens = 512

// reservedBudget returns the prompt token budget Trim should fit within:
// the mapping's context window minus a reserve for the completion, so the
// trimmed prompt never crowds out the caller's requested MaxTokens.
func reservedBudget(maxContextTokens, requestedMaxTokens int) int {
	reserve := requestedMaxTokens
	if reserve < defaultReserveTokens {
		reserve = defaultReserveTokens
	}
	budget := maxContextTokens - reserve
	if budget < 0 {
		budget = 0
	}
	return budget
}

func validateChatRequest(req *model.ChatRequest) *model.ErrorWithStatusCode {
	if req == nil || req.Model == "" {
		return model.NewError(model.KindValidation, "model is required")
	}
	if len(req.Messages) == 0 {
		return model.NewError(model.KindValidation, "messages must not be empty")
	}
	return nil
}

// requiresUserLastTurn reports whether providerType's wire format has no
// notion of a trailing assistant turn and so needs the caller's last
// non-system message to be a user turn. Cohere's chat_history shape always
// promotes the last turn to the top-level message regardless of its role.
func requiresUserLastTurn(providerType store.ProviderType) bool {
	return providerType == store.ProviderCohere
}

// validateLastTurnForProvider rejects a request whose last non-system
// message isn't a user turn when the target provider requires one, before
// any upstream call is made.
func validateLastTurnForProvider(providerType store.ProviderType, messages []model.Message) *model.ErrorWithStatusCode {
	if !requiresUserLastTurn(providerType) {
		return nil
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "system" {
			continue
		}
		if messages[i].Role != "user" {
			return model.NewError(model.KindValidation, "the last message must be a user turn for this provider")
		}
		break
	}
	return nil
}

// WaitShutdown blocks for up to timeout for in-flight billing to flush
// during a graceful shutdown.
func WaitShutdown(fl *billing.Flusher, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		fl.Flush()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("billing flush did not complete before shutdown timeout")
	}
}
