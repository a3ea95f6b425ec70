// Package store defines the data model for the gateway's control plane
// (providers, model mappings, virtual keys and groups) and the persistence
// interfaces the rest of the gateway depends on.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusEnabled  = 1
	StatusDisabled = 2
)

// ProviderType identifies the wire dialect a Provider speaks.
type ProviderType int

const (
	ProviderUnknown ProviderType = iota
	ProviderOpenAI
	ProviderAnthropic
	ProviderGemini
	ProviderVertexAI
	ProviderCohere
	ProviderCerebras
	ProviderOpenAICompatible
)

// Provider is an upstream LLM vendor endpoint.
type Provider struct {
	Id      int64        `json:"id" gorm:"primaryKey"`
	Name    string       `json:"name" gorm:"index"`
	Type    ProviderType `json:"type"`
	BaseURL string       `json:"base_url"`
	Status  int          `json:"status" gorm:"default:1"`

	// Region and ProjectID are only meaningful for Vertex AI providers.
	Region    string `json:"region,omitempty"`
	ProjectID string `json:"project_id,omitempty"`

	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// ProviderKeyCredential is an authentication secret attached to a Provider.
// A provider may carry several credentials (e.g. for key rotation); the
// config store resolves the active one.
type ProviderKeyCredential struct {
	Id         int64  `json:"id" gorm:"primaryKey"`
	ProviderID int64  `json:"provider_id" gorm:"index"`
	Secret     string `json:"-" gorm:"type:text"`
	Status     int    `json:"status" gorm:"default:1"`
	CreatedAt  int64  `json:"created_at" gorm:"autoCreateTime:milli"`
}

// Capabilities describes what a ModelMapping supports. The dispatcher and
// router consult this before ever issuing an upstream call.
type Capabilities struct {
	Chat       bool `json:"chat"`
	Streaming  bool `json:"streaming"`
	Embeddings bool `json:"embeddings"`
	Images     bool `json:"images"`
	Vision     bool `json:"vision"`
	Tools      bool `json:"tools"`
	JSONMode   bool `json:"json_mode"`
}

// ModelMapping binds a logical alias to a concrete (provider, native model)
// pair. Several mappings may share an alias; the Router picks among them.
type ModelMapping struct {
	Id               int64  `json:"id" gorm:"primaryKey"`
	Alias            string `json:"alias" gorm:"index"`
	ProviderID       int64  `json:"provider_id" gorm:"index"`
	NativeModelID    string `json:"native_model_id"`
	Capabilities     Capabilities `json:"capabilities" gorm:"embedded;embeddedPrefix:cap_"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
	TokenizerType    string `json:"tokenizer_type,omitempty"`
	Weight           int    `json:"weight" gorm:"default:1"`
	Status           int    `json:"status" gorm:"default:1"`

	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli"`
	UpdatedAt int64 `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// ModelCost is the per-token/per-image pricing table entry for one
// (provider, native model) pair, denominated in USD.
type ModelCost struct {
	Id              int64           `json:"id" gorm:"primaryKey"`
	ProviderID      int64           `json:"provider_id" gorm:"index"`
	NativeModelID   string          `json:"native_model_id" gorm:"index"`
	InputCostPerM   decimal.Decimal `json:"input_cost_per_m" gorm:"type:decimal(20,10)"`
	OutputCostPerM  decimal.Decimal `json:"output_cost_per_m" gorm:"type:decimal(20,10)"`
	CacheWriteCostPerM decimal.Decimal `json:"cache_write_cost_per_m,omitempty" gorm:"type:decimal(20,10)"`
	ImageCostEach   decimal.Decimal `json:"image_cost_each,omitempty" gorm:"type:decimal(20,10)"`
}

// VirtualKeyGroup is a prepaid billing unit: one or more VirtualKeys draw
// down a single shared balance.
type VirtualKeyGroup struct {
	Id        string          `json:"id" gorm:"primaryKey"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(20,10)"`
	Status    int             `json:"status" gorm:"default:1"`
	CreatedAt int64           `json:"created_at" gorm:"autoCreateTime:milli"`
	UpdatedAt int64           `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// VirtualKey is a bearer credential presented by gateway callers. Its secret
// is never stored in plaintext; only the SHA-256 hash is persisted.
type VirtualKey struct {
	Id          int64  `json:"id" gorm:"primaryKey"`
	GroupID     string `json:"group_id" gorm:"index"`
	Name        string `json:"name"`
	KeyHash     string `json:"-" gorm:"uniqueIndex"`
	Prefix      string `json:"prefix"`
	Status      int    `json:"status" gorm:"default:1"`
	CreatedAt   int64  `json:"created_at" gorm:"autoCreateTime:milli"`
	LastUsedAt  int64  `json:"last_used_at,omitempty"`
}

// EphemeralMasterKey is a short-lived, admin-issued key used to bootstrap a
// VirtualKeyGroup or perform one-off administrative operations without a
// standing credential.
type EphemeralMasterKey struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	KeyHash   string    `json:"-" gorm:"uniqueIndex"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}
