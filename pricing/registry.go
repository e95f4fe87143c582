// Package pricing holds the per-resource price tiers consulted by the
// payment verifier.
package pricing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-burn/types"
)

// Registry maps resource identifiers to price tiers. It is safe for
// concurrent use. Tiers are only ever upserted, never implicitly removed.
type Registry struct {
	mu          sync.RWMutex
	tiers       map[string]types.PriceTier
	defaultTier types.PriceTier
}

// NewRegistry creates a registry that falls back to defaultTier for
// resources without a registered tier.
func NewRegistry(defaultTier types.PriceTier) *Registry {
	return &Registry{
		tiers:       make(map[string]types.PriceTier),
		defaultTier: defaultTier,
	}
}

// GetPrice returns the tier registered for resourceID, or the default tier.
func (r *Registry) GetPrice(resourceID string) types.PriceTier {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tier, ok := r.tiers[resourceID]; ok {
		return tier
	}

	tier := r.defaultTier
	tier.ResourceID = resourceID
	return tier
}

// SetPrice upserts the tier for resourceID. A zero amount makes the
// resource free.
func (r *Registry) SetPrice(resourceID string, amount decimal.Decimal, description string) error {
	if strings.TrimSpace(resourceID) == "" {
		return &types.X402Error{
			Code:    types.ErrConfigError,
			Message: "resource id cannot be empty",
		}
	}

	r.mu.Lock()
	r.tiers[resourceID] = types.PriceTier{
		ResourceID:  resourceID,
		Amount:      amount,
		Description: description,
	}
	r.mu.Unlock()

	return nil
}

// SetPriceString parses amount and upserts the tier
func (r *Registry) SetPriceString(resourceID, amount, description string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return types.NewError(types.ErrConfigError, "invalid price %q: %v", amount, err)
	}
	return r.SetPrice(resourceID, d, description)
}

// Load upserts every entry of prices, using description for all of them.
func (r *Registry) Load(prices map[string]string, description string) error {
	for resource, amount := range prices {
		if err := r.SetPriceString(resource, amount, description); err != nil {
			return fmt.Errorf("load price for %s: %w", resource, err)
		}
	}
	return nil
}

// DefaultTier returns the fallback tier
func (r *Registry) DefaultTier() types.PriceTier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultTier
}

// Tiers returns a snapshot of registered tiers sorted by resource id
func (r *Registry) Tiers() []types.PriceTier {
	r.mu.RLock()
	out := make([]types.PriceTier, 0, len(r.tiers))
	for _, t := range r.tiers {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}
