// Package provider defines the contract between the collection core and
// the per-arena API clients, plus the startup registry that maps
// provider names to their descriptors.
package provider

import (
	"context"

	"harvestplane/internal/store"
)

// CollectParams are the run parameters handed to a provider client.
// The core does not interpret them.
type CollectParams struct {
	RunID  string
	TaskID string
	Tier   store.Tier
	Params map[string]string
}

// Client is one arena's API client. Collect returns the number of
// records gathered; failures should be classified with the CollectError
// helpers so retry policy can act on the kind. The secret is passed
// through at call time and must not be retained.
type Client interface {
	Collect(ctx context.Context, params CollectParams, secret string) (records int64, err error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, params CollectParams, secret string) (int64, error)

func (f ClientFunc) Collect(ctx context.Context, params CollectParams, secret string) (int64, error) {
	return f(ctx, params, secret)
}

// Descriptor describes one provider: which tiers it supports, what a
// call costs per tier (integer credits), and how to build its client.
type Descriptor struct {
	Name           string
	SupportedTiers []store.Tier
	// Pricing maps tier -> credits per provider call. Missing tiers cost 0.
	Pricing map[store.Tier]int64
	// New constructs the client. Nil descriptors are registry-only
	// (controller processes resolve tiers and prices without clients).
	New func() (Client, error)
}

// Supports reports whether the provider can be called at the given tier.
func (d *Descriptor) Supports(tier store.Tier) bool {
	for _, t := range d.SupportedTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Price returns the per-call cost at the given tier.
func (d *Descriptor) Price(tier store.Tier) int64 {
	return d.Pricing[tier]
}

// tierRank orders tiers from cheapest to best.
var tierRank = map[store.Tier]int{
	store.TierFree:    0,
	store.TierMedium:  1,
	store.TierPremium: 2,
}

// ResolveTier picks the tier a task will actually run at. An explicit
// override wins over the run default. If the provider does not support
// the requested tier, the best supported tier at or below it is chosen,
// falling back to the provider's lowest tier. The second return value
// is true when a fallback happened, so the caller can record it.
func (d *Descriptor) ResolveTier(runDefault store.Tier, override *store.Tier) (store.Tier, bool) {
	requested := runDefault
	if override != nil {
		requested = *override
	}
	if d.Supports(requested) {
		return requested, false
	}

	best := d.SupportedTiers[0]
	for _, t := range d.SupportedTiers {
		if tierRank[t] <= tierRank[requested] && tierRank[t] > tierRank[best] {
			best = t
		}
	}
	// Nothing at or below the requested tier: take the provider's lowest.
	if tierRank[best] > tierRank[requested] {
		for _, t := range d.SupportedTiers {
			if tierRank[t] < tierRank[best] {
				best = t
			}
		}
	}
	return best, true
}
