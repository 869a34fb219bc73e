package billing

import (
	gateway "github.com/aetherlab/aether/internal"
)

// perMillion converts a per-1M-token price into a per-token multiplier.
const perMillion = 1e-6

// EffectiveTiers returns the pricing tiers for a model, falling back to the
// global model's tiers when the model carries no override.
func EffectiveTiers(global *gateway.GlobalModel, model *gateway.Model) []gateway.PriceTier {
	if model != nil && len(model.PriceTiers) > 0 {
		return model.PriceTiers
	}
	if global != nil {
		return global.PriceTiers
	}
	return nil
}

// SelectTier picks the tier for an exchange. Tier position is decided by
// total context: input plus cache-read tokens. The first tier whose UpTo is
// nil or at least the context size wins; past the last bound, the last tier
// applies.
func SelectTier(tiers []gateway.PriceTier, tokens gateway.TokenCounts) (gateway.PriceTier, int) {
	if len(tiers) == 0 {
		return gateway.PriceTier{}, 0
	}
	context := tokens.Input + tokens.CacheRead
	for i, t := range tiers {
		if t.UpTo == nil || context <= *t.UpTo {
			return t, i
		}
	}
	return tiers[len(tiers)-1], len(tiers) - 1
}

// cacheCreationPrice resolves the per-1M cache-creation price for a TTL in
// minutes: the first cache_ttl_pricing entry whose TTL covers it, else the
// last entry, else the tier's flat cache-creation price.
func cacheCreationPrice(tier gateway.PriceTier, ttlMinutes int) float64 {
	if len(tier.CacheTTLPricing) == 0 {
		return tier.CacheCreationPerM
	}
	for _, p := range tier.CacheTTLPricing {
		if ttlMinutes <= p.TTLMinutes {
			return p.CacheCreationPerM
		}
	}
	return tier.CacheTTLPricing[len(tier.CacheTTLPricing)-1].CacheCreationPerM
}

// PriceSnapshot freezes a model's tier pricing at task submission so
// settlement survives later catalog edits.
type PriceSnapshot struct {
	Tiers           []gateway.PriceTier `json:"tiers,omitempty"`
	PricePerRequest float64             `json:"price_per_request,omitempty"`
}

// FreezePrice captures the effective pricing for a model pair. nil when the
// model carries no pricing at all.
func FreezePrice(global *gateway.GlobalModel, model *gateway.Model) *PriceSnapshot {
	snap := &PriceSnapshot{Tiers: EffectiveTiers(global, model)}
	if global != nil {
		snap.PricePerRequest = global.PricePerRequest
	}
	if len(snap.Tiers) == 0 && snap.PricePerRequest == 0 {
		return nil
	}
	return snap
}

// TokenCost prices one exchange against tiered pricing, splitting cache
// creation into its 5-minute and 1-hour TTL buckets. Recomputing the total
// from the returned breakdown reproduces TotalUSD exactly.
func TokenCost(tiers []gateway.PriceTier, tokens gateway.TokenCounts, pricePerRequest float64) gateway.CostBreakdown {
	tier, idx := SelectTier(tiers, tokens)

	b := gateway.CostBreakdown{
		InputUSD:      float64(tokens.Input) * tier.InputPerM * perMillion,
		OutputUSD:     float64(tokens.Output) * tier.OutputPerM * perMillion,
		CacheReadUSD:  float64(tokens.CacheRead) * tier.CacheReadPerM * perMillion,
		PerRequestUSD: pricePerRequest,
		TierIndex:     idx,
	}
	b.CacheCreationUSD = float64(tokens.CacheCreation5m)*cacheCreationPrice(tier, 5)*perMillion +
		float64(tokens.CacheCreation1h)*cacheCreationPrice(tier, 60)*perMillion
	b.TotalUSD = b.InputUSD + b.OutputUSD + b.CacheCreationUSD + b.CacheReadUSD + b.PerRequestUSD
	return b
}
