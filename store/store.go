package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ConfigStore resolves the control-plane entities (providers, model
// mappings, virtual keys) that the dispatcher and router need to serve a
// request. Implementations must be safe for concurrent use.
type ConfigStore interface {
	// ResolveVirtualKey looks up a VirtualKey by its SHA-256 hash and returns
	// it together with its owning group. Returns a not-found error (see IsNotFound) if the key is
	// unknown, disabled, or the group is disabled.
	ResolveVirtualKey(ctx context.Context, keyHash string) (*VirtualKey, *VirtualKeyGroup, error)

	// ModelMappingsForAlias returns every enabled mapping registered under
	// alias, ordered by Weight descending. An empty result means the alias
	// does not exist.
	ModelMappingsForAlias(ctx context.Context, alias string) ([]*ModelMapping, error)

	// ModelMapping returns a single mapping by id. The Router resolves
	// names through ModelMappingsForAlias and does not call it.
	ModelMapping(ctx context.Context, id int64) (*ModelMapping, error)

	Provider(ctx context.Context, id int64) (*Provider, error)
	ProviderCredential(ctx context.Context, providerID int64) (*ProviderKeyCredential, error)
	ModelCost(ctx context.Context, providerID int64, nativeModelID string) (*ModelCost, error)

	// AllProviders returns every enabled provider, used to build GetModels
	// aggregation responses.
	AllProviders(ctx context.Context) ([]*Provider, error)
	// ModelMappingsForProvider lists mappings belonging to one provider.
	ModelMappingsForProvider(ctx context.Context, providerID int64) ([]*ModelMapping, error)
}

// BalanceStore tracks VirtualKeyGroup prepaid balances. Debit is used by the
// billing flusher; callers never debit directly from the request path.
type BalanceStore interface {
	// Debit atomically subtracts amount from the group's balance and returns
	// the resulting balance. amount must be non-negative.
	Debit(ctx context.Context, groupID string, amount decimal.Decimal) (decimal.Decimal, error)
	Balance(ctx context.Context, groupID string) (decimal.Decimal, error)
}

// notFoundError is returned by ConfigStore/BalanceStore lookups that find no
// matching row; IsNotFound detects it.
type notFoundError struct{ what string }

func (e *notFoundError) Error() string { return e.what + " not found" }

// NewNotFoundError builds the sentinel error a store implementation should
// return when a lookup comes up empty.
func NewNotFoundError(what string) error { return &notFoundError{what: what} }

// IsNotFound reports whether err (or any error it wraps) is a not-found error.
func IsNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}
