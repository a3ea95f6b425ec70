// Package billing computes the USD cost of a completed upstream call and
// accumulates per-group charges for batched, asynchronous debiting.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/songquanpeng/conduit-gateway/relay/model"
	"github.com/songquanpeng/conduit-gateway/store"
)

var million = decimal.NewFromInt(1_000_000)

// ComputeChatCost prices a chat/embedding completion from token usage:
// cost = prompt_tokens * input_cost_per_M / 1e6 + completion_tokens * output_cost_per_M / 1e6,
// plus any reported cache-write tokens at the cache-write rate.
func ComputeChatCost(cost *store.ModelCost, usage *model.Usage) decimal.Decimal {
	if cost == nil || usage == nil {
		return decimal.Zero
	}

	input := decimal.NewFromInt(int64(usage.PromptTokens)).Mul(cost.InputCostPerM).Div(million)
	output := decimal.NewFromInt(int64(usage.CompletionTokens)).Mul(cost.OutputCostPerM).Div(million)
	total := input.Add(output)

	cacheWriteTokens := usage.CacheWrite5mTokens + usage.CacheWrite1hTokens
	if cacheWriteTokens > 0 && !cost.CacheWriteCostPerM.IsZero() {
		total = total.Add(decimal.NewFromInt(int64(cacheWriteTokens)).Mul(cost.CacheWriteCostPerM).Div(million))
	}

	return total
}

// ComputeEmbeddingCost prices an embedding call; embeddings have no
// completion tokens so only the input rate applies.
func ComputeEmbeddingCost(cost *store.ModelCost, usage *model.Usage) decimal.Decimal {
	if cost == nil || usage == nil {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(usage.PromptTokens)).Mul(cost.InputCostPerM).Div(million)
}

// ComputeImageCost prices an image generation call as a flat per-image rate.
func ComputeImageCost(cost *store.ModelCost, imageCount int) decimal.Decimal {
	if cost == nil || imageCount <= 0 {
		return decimal.Zero
	}
	return cost.ImageCostEach.Mul(decimal.NewFromInt(int64(imageCount)))
}
